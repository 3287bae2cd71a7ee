package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"igdnat/internal/app"
	"igdnat/internal/config"
	ilog "igdnat/internal/log"
)

func usage() {
	prog := os.Args[0]
	fmt.Fprintf(os.Stderr, "Usage:\n  %s [options] <port>[/tcp|/udp] ...\n", prog)
	fmt.Fprintf(os.Stderr, "Options:\n  -c string   Path to JSON config file\n  -v          Enable debug logging\n")
	fmt.Fprintf(os.Stderr, "Examples:\n  %s 51234\n  %s 51234/udp 8080/tcp\n  %s -c config.json\n", prog, prog, prog)
}

// parsePort 解析 "51234"、"8080/tcp" 形式的端口参数
func parsePort(arg string) (config.Port, error) {
	num, proto, found := strings.Cut(arg, "/")
	if !found {
		proto = "udp"
	}
	port, err := strconv.Atoi(num)
	if err != nil {
		return config.Port{}, fmt.Errorf("invalid port %q: %w", arg, err)
	}
	return config.Port{Port: port, Protocol: strings.ToLower(proto), Name: arg}, nil
}

func main() {
	// 解析命令行参数
	configPath := flag.String("c", "", "Path to JSON config file")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()

	// 构造配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		// 使用配置文件模式
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	} else {
		// 端口模式
		if len(args) == 0 {
			usage()
			os.Exit(1)
		}
		cfg = config.Default()
		for _, arg := range args {
			p, err := parsePort(arg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			cfg.Ports = append(cfg.Ports, p)
		}
		cfg.StatusReport.StatusFile = "status.json"
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid port: %v\n", err)
			os.Exit(1)
		}
	}

	// 初始化日志
	level := cfg.Logging.Level
	if *verbose {
		level = "debug"
	}
	logger, err := ilog.New(level, cfg.Logging.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	gin.SetMode(gin.ReleaseMode)

	a := app.New(cfg, logger)

	// 捕捉中断信号，优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting igdnat", zap.Int("ports", len(cfg.Ports)))
	if err := a.Start(ctx); err != nil {
		logger.Fatal("Failed to start igdnat", zap.Error(err))
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
	logger.Info("Exited igdnat")
}
