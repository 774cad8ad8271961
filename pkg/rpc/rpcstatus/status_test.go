// Copyright (C) 2024 Quarry contributors.
// See LICENSE for copying information.

package rpcstatus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

var allCodes = []StatusCode{
	Unknown,
	OK,
	Canceled,
	InvalidArgument,
	DeadlineExceeded,
	NotFound,
	AlreadyExists,
	FailedPrecondition,
	Internal,
	Unavailable,
}

func TestStatus(t *testing.T) {
	for _, code := range allCodes {
		err := Error(code, "boom")
		assert.Equal(t, code, Code(err))
	}

	assert.Equal(t, OK, Code(nil))
	assert.Equal(t, Canceled, Code(context.Canceled))
	assert.Equal(t, DeadlineExceeded, Code(context.DeadlineExceeded))
}

func TestErrorf(t *testing.T) {
	err := Errorf(NotFound, "target %s not found", "abc")
	assert.EqualError(t, err, "target abc not found")
	assert.Equal(t, NotFound, Code(err))
}
