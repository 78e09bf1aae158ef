// SPDX-License-Identifier: MIT

package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("SMS_API_KEY", "sk-test")

	v, err := EnvStore{}.Get(KeySMSAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)

	_, err = EnvStore{}.Get("DOES_NOT_EXIST")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"SMS_API_KEY":"sk-file","VAPID_PUBLIC_KEY":"pub"}`), 0o600))

	s, err := OpenFileStore(path)
	require.NoError(t, err)

	v, err := s.Get(KeySMSAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", v)

	_, err = s.Get(KeyVAPIDPrivateKey)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStoreRejectsMalformedBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(`not-json`), 0o600))

	_, err := OpenFileStore(path)
	require.Error(t, err)
}
