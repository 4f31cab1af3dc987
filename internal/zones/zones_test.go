package zones

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
default:
  heart_rate:
    - {name: Z1, min: 0, max: 130}
    - {name: Z2, min: 130, max: 160}
    - {name: Z3, min: 160, max: 220}
  ftp: 250
users:
  u1:
    ftp: 300
  u2:
    heart_rate:
      - {name: easy, min: 0, max: 140}
      - {name: hard, min: 140, max: 200}
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestStoreOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	writeFile(t, path, sample)

	s, err := Open(path)
	require.NoError(t, err)

	def := s.For("nobody")
	assert.Len(t, def.HeartRate, 3)
	require.NotNil(t, def.FTP)
	assert.Equal(t, 250.0, *def.FTP)

	u1 := s.For("u1")
	assert.Len(t, u1.HeartRate, 3)
	assert.Equal(t, 300.0, *u1.FTP)

	u2 := s.For("u2")
	assert.Len(t, u2.HeartRate, 2)
	assert.Equal(t, "hard", u2.HeartRate[1].Name)
	assert.Equal(t, 250.0, *u2.FTP)
	assert.Len(t, u2.ZoneSet().HeartRate, 2)
}

func TestParseRejectsGaps(t *testing.T) {
	_, err := Parse([]byte(`
default:
  power:
    - {min: 0, max: 100}
    - {min: 120, max: 200}
`))
	assert.ErrorContains(t, err, "does not continue")

	_, err = Parse([]byte(`
users:
  u1:
    heart_rate:
      - {min: 150, max: 100}
`))
	assert.ErrorContains(t, err, "must exceed")
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	writeFile(t, path, sample)
	s, err := Open(path)
	require.NoError(t, err)

	writeFile(t, path, "default: [not, a, map")
	assert.Error(t, s.Reload())
	assert.Len(t, s.For("u1").HeartRate, 3)
}

func TestNewStoreUsesDefaults(t *testing.T) {
	s := NewStore()
	p := s.For("anyone")
	assert.Len(t, p.HeartRate, 5)
	assert.Len(t, p.Power, 7)
	assert.Nil(t, p.FTP)
	require.NoError(t, s.Watch(context.Background()))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	writeFile(t, path, sample)
	s, err := Open(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `
default:
  ftp: 275
`)

	require.Eventually(t, func() bool {
		p := s.For("nobody")
		return p.FTP != nil && *p.FTP == 275
	}, 5*time.Second, 20*time.Millisecond)
	// Modalities the file leaves out fall back to the built-in zones
	assert.Len(t, s.For("nobody").HeartRate, 5)
}
