//go:build !opencv

package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraWithoutOpenCVReportsOpenError(t *testing.T) {
	err := NewCameraSource([]int{0, 1}, 640, 480).Open(context.Background())
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Contains(t, openErr.Error(), "opencv")
}
