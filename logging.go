// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"os"
	"sync"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = zap.NewNop()
)

// Log returns the package's current default logger. Subsystems scope it
// with .Named(...) (e.g. "dispatch.mapping", "dispatch.chaincache").
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLogger replaces the package's default logger. Passing nil restores the
// no-op logger. Safe to call concurrently with Log().
func SetLogger(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger = l
}

// NewProductionLogger builds a JSON, info-level logger writing to stderr,
// suitable as a default for cmd/dispatchd.
func NewProductionLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encCfg)
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), zapcore.InfoLevel)
	return zap.New(core)
}

// RotatingFileLogger builds a logger that writes JSON lines to a rotating
// log file at path, rotating it once it exceeds maxSizeMB megabytes and
// keeping maxBackups old copies. Rotation is delegated to timberjack.
func RotatingFileLogger(path string, maxSizeMB, maxBackups int) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encCfg)
	writer := &timberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(writer), zapcore.InfoLevel)
	return zap.New(core)
}
