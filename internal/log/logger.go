package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 创建并返回一个 zap.Logger，根据传入的 levelStr 和可选的 logFilePath。
// levelStr 支持 "debug", "info", "warn", "error" 等级别，空字符串视为 "info"。
// logFilePath 为空时仅输出到 stdout，否则同时追加写入指定文件；
// 文件无法打开时退回到仅 stdout，并在返回的 logger 上记录一条警告。
func New(levelStr, logFilePath string) (*zap.Logger, error) {
	if levelStr == "" {
		levelStr = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(levelStr)); err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	var fileErr error
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fileErr = err
		} else {
			syncers = append(syncers, zapcore.AddSync(f))
		}
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), lvl)
	logger := zap.New(core, zap.AddCaller())
	if fileErr != nil {
		logger.Warn("log file unavailable, logging to stdout only", zap.String("path", logFilePath), zap.Error(fileErr))
	}
	return logger, nil
}
