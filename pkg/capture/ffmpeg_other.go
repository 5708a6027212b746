//go:build !linux && !darwin

package capture

import (
	"context"
	"fmt"
	"runtime"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

type FFmpegMicrophone struct {
	logger *zap.Logger
}

func NewFFmpegMicrophone(_ config.CaptureConfig, logger *zap.Logger) *FFmpegMicrophone {
	return &FFmpegMicrophone{logger: logger.Named("ffmpeg")}
}

func (m *FFmpegMicrophone) Open(context.Context, StreamOptions) (Stream, error) {
	return nil, fmt.Errorf("%w: live capture is not supported on %s", models.ErrDeviceUnavailable, runtime.GOOS)
}
