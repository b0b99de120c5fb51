package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxDeviceID ctxKey = iota

func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, ctxDeviceID, deviceID)
}

func DeviceID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxDeviceID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("device_id not in context")
}
