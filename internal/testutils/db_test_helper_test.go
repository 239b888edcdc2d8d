package testutils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerProviderErrorNeverPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		err := containerProviderError(context.Background())
		if err != nil {
			t.Logf("container provider unavailable: %s", err)
		}
	})
}

func TestSetupTestDB_SkipsWithoutDocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if containerProviderError(context.Background()) == nil {
		t.Skip("Docker is available")
	}
	ran := false
	t.Run("setup", func(t *testing.T) {
		defer func() { ran = true }()
		_, cleanup := SetupTestDB(t)
		cleanup()
	})
	assert.True(t, ran)
}
