// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/ubloxmodem/internal/logger"
)

func TestComponent(t *testing.T) {
	var b bytes.Buffer
	l := logger.New(&b)
	l.Component("gprs").WithField("category", "ctx").Info("activated")
	out := b.String()
	assert.Contains(t, out, "[gprs]")
	assert.Contains(t, out, "[ctx]")
	assert.Contains(t, out, "activated")
}

func TestSetLevel(t *testing.T) {
	var b bytes.Buffer
	l := logger.New(&b)
	require.Nil(t, l.SetLevel("warn"))
	assert.Equal(t, logrus.WarnLevel, l.Logger().GetLevel())
	l.Component("netreg").Info("hidden")
	assert.Empty(t, b.String())
	assert.NotNil(t, l.SetLevel("loud"))
}

func TestWithFile(t *testing.T) {
	var b bytes.Buffer
	l := logger.New(&b)
	path := filepath.Join(t.TempDir(), "ubloxd.log")
	require.Nil(t, l.WithFile(path))
	l.Component("modem").Info("to file")
	content, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Contains(t, string(content), "to file")
	assert.Contains(t, string(content), "component=modem")
}
