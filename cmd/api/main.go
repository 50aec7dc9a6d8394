package main

import (
	"flag"

	"fibermon/internal/api"
	"fibermon/internal/app"
	"fibermon/internal/config"
	"fibermon/internal/shutdown"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置文件中的端口")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	logger := app.NewLogger(*verbose)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("加载配置失败: %v", err)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	gs := shutdown.NewGracefulShutdown(shutdown.DefaultTimeout, logger)

	rt, err := app.New(gs.Context(), cfg, logger)
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	deps := api.Dependencies{
		Collector: rt.Collector,
		Nodes:     rt.Pool,
		Progress:  rt.Progress,
		Validator: rt.Validator,
	}
	if rt.Database != nil {
		deps.UDTStore = rt.Database
	}

	server := api.NewServer(deps, logger, cfg.API.Port, cfg.API.LogBufferSize)
	if rt.Database != nil {
		if _, err := server.ConfigManager().Reload(gs.Context()); err != nil {
			logger.Warnf("从数据库加载UDT注册表失败: %v", err)
		}
	}

	gs.Register("api-server", shutdown.OrderStopHTTP, server.Stop)
	rt.RegisterShutdown(gs)
	gs.ListenSignals()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			gs.Shutdown()
		}
	}()

	logger.Infof("API服务器已启动，监听端口: %d", cfg.API.Port)

	if err := gs.Wait(); err != nil {
		logger.Errorf("关闭过程中出现错误: %v", err)
	}
	logger.Info("服务器已关闭")
}
