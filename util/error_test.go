package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type m = map[string]any

func TestContextualError_Log(t *testing.T) {
	cause := errors.New("dma engines did not stop")

	tests := []struct {
		name   string
		err    *ContextualError
		msg    string
		fields logrus.Fields
	}{
		{
			name:   "everything",
			err:    NewContextualError("Failed to halt", m{"name": "tigon0"}, cause),
			msg:    "Failed to halt",
			fields: logrus.Fields{"name": "tigon0", logrus.ErrorKey: cause},
		},
		{
			name:   "no fields",
			err:    NewContextualError("Failed to halt", nil, cause),
			msg:    "Failed to halt",
			fields: logrus.Fields{logrus.ErrorKey: cause},
		},
		{
			name:   "no error",
			err:    NewContextualError("Failed to halt", m{"name": "tigon0"}, nil),
			msg:    "Failed to halt",
			fields: logrus.Fields{"name": "tigon0"},
		},
		{
			name:   "context only",
			err:    NewContextualError("Failed to halt", nil, nil),
			msg:    "Failed to halt",
			fields: logrus.Fields{},
		},
		{
			name:   "error only",
			err:    NewContextualError("", nil, cause),
			fields: logrus.Fields{logrus.ErrorKey: cause},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, hook := logtest.NewNullLogger()
			tt.err.Log(l)

			entry := hook.LastEntry()
			if assert.NotNil(t, entry) {
				assert.Equal(t, logrus.ErrorLevel, entry.Level)
				assert.Equal(t, tt.msg, entry.Message)
				assert.Equal(t, tt.fields, entry.Data)
			}
			assert.Len(t, hook.AllEntries(), 1)
		})
	}
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, hook := logtest.NewNullLogger()
	e := NewContextualError("Failed to map DMA memory", m{"size": "4 MiB"}, errors.New("cannot allocate memory"))

	LogWithContextIfNeeded("Failed to start", e, l)
	assert.Equal(t, "Failed to map DMA memory", hook.LastEntry().Message)
	assert.Equal(t, "4 MiB", hook.LastEntry().Data["size"])

	// Wrapping does not hide the context.
	LogWithContextIfNeeded("Failed to start", fmt.Errorf("main: %w", e), l)
	assert.Equal(t, "Failed to map DMA memory", hook.LastEntry().Message)

	plain := errors.New("no config files found")
	LogWithContextIfNeeded("Failed to start", plain, l)
	assert.Equal(t, "Failed to start", hook.LastEntry().Message)
	assert.Equal(t, plain, hook.LastEntry().Data[logrus.ErrorKey])
	assert.Len(t, hook.AllEntries(), 3)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// A contextual error further down the chain is kept as is
	wrapped := fmt.Errorf("create device: %w", e)
	assert.Same(t, wrapped, ContextualizeIfNeeded("should be ignored", wrapped))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context woo", err)

	var ce *ContextualError
	if assert.ErrorAs(t, cErr, &ce) {
		assert.Equal(t, err, ce.RealError)
		assert.Equal(t, "Fallback context woo", ce.Context)
	}
	assert.ErrorIs(t, cErr, err)
}

func TestContextualError_Error(t *testing.T) {
	cause := errors.New("device not ready")

	assert.Equal(t, "just context", NewContextualError("just context", nil, nil).Error())
	assert.Equal(t, "reset: device not ready", NewContextualError("reset", nil, cause).Error())
	assert.Equal(t, "reset (map[name:tigon0]): device not ready",
		NewContextualError("reset", m{"name": "tigon0"}, cause).Error())
	assert.Nil(t, NewContextualError("just context", nil, nil).Unwrap())
}
