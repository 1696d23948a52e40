package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qa-image-collector/src/collector"
	"qa-image-collector/src/configs"
	"qa-image-collector/src/configs/database"
	"qa-image-collector/src/configs/server"
	"qa-image-collector/src/core/annotate"
	"qa-image-collector/src/core/auth"
	"qa-image-collector/src/core/bridge"
	"qa-image-collector/src/core/catalog"
	"qa-image-collector/src/core/image"
	"qa-image-collector/src/core/notify"
	"qa-image-collector/src/core/utils"
	"qa-image-collector/src/settings"
	"qa-image-collector/src/task"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "qa-image-collector",
	Short: "题库图片采集服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <agent-id>",
	Short: "为页面代理生成连接令牌",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := configs.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		authToken, err := auth.NewAuthToken(config.Server.Token, tokenTTL)
		if err != nil {
			return fmt.Errorf("server.token 未配置: %w", err)
		}
		token, err := authToken.GenerateToken(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认 .config.yaml 或 config.yaml）")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "令牌有效期")
	rootCmd.AddCommand(tokenCmd)
}

func LoadConfigAndLogger() (*configs.Config, *utils.Logger, error) {
	config, configPath, err := configs.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))

	return config, logger, nil
}

// components 服务运行所需的组件
type components struct {
	hub   *bridge.Hub
	tasks *task.TaskManager
	svc   *collector.Service
}

func buildComponents(ctx context.Context, config *configs.Config, logger *utils.Logger, db *gorm.DB) (*components, error) {
	// 页面注册时共享cookie，供携带凭据的备用下载使用
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	var annotator *annotate.Annotator
	hubOpts := []bridge.Option{
		bridge.WithCookieJar(jar),
		bridge.WithOnDisconnect(func(pageID string) { annotator.Forget(pageID) }),
	}
	if config.Server.Auth.Enabled {
		authToken, err := auth.NewAuthToken(config.Server.Token, 0)
		if err != nil {
			return nil, fmt.Errorf("启用认证需要配置 server.token: %w", err)
		}
		hubOpts = append(hubOpts, bridge.WithAuth(authToken, config.Server.Auth.AllowedAgents))
	}
	hub := bridge.NewHub(config.Bridge, logger, hubOpts...)
	annotator = annotate.NewAnnotator(hub, logger)

	notifier := notify.NewNotifier()
	history := notify.NewHistory(50)
	for _, sink := range []func(notify.Notification){
		notify.LogSink(logger),
		notify.PageBannerSink(hub, logger),
		history.Sink(),
	} {
		if err := notifier.Subscribe(sink); err != nil {
			return nil, fmt.Errorf("订阅通知失败: %w", err)
		}
	}

	acquirer := image.NewDefaultImageAcquirer(config.Acquire, jar, hub, logger)
	store := settings.NewStore(db, logger)
	coll := collector.NewCollector(store, acquirer, catalog.NewClient(config.Catalog, logger), notifier, annotator, logger)

	tasks := task.NewTaskManager(ctx, config.Task, logger)
	svc := collector.NewService(collector.ServiceOptions{
		Collector: coll,
		Store:     store,
		Tasks:     tasks,
		Acquirer:  acquirer,
		Hub:       hub,
		History:   history,
		WSPath:    config.Bridge.Path,
	}, logger)
	tasks.Start()

	return &components{hub: hub, tasks: tasks, svc: svc}, nil
}

func StartHttpServer(config *configs.Config, logger *utils.Logger, db *gorm.DB, dbType string, g *errgroup.Group, groupCtx context.Context) (*http.Server, error) {
	comps, err := buildComponents(groupCtx, config, logger, db)
	if err != nil {
		return nil, err
	}

	cfgService, err := server.NewDefaultCfgService(config, dbType, logger)
	if err != nil {
		return nil, err
	}

	router, apiGroup := collector.NewRouter(config.Log.LogLevel == "debug")
	for _, svc := range []server.CfgService{comps.svc, cfgService} {
		if err := svc.Start(groupCtx, router, apiGroup); err != nil {
			logger.Error("HTTP服务启动失败", err)
			return nil, err
		}
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:    net.JoinHostPort(config.Server.IP, strconv.Itoa(config.Web.Port)),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://%s", httpServer.Addr))

		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			comps.hub.Close()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP服务关闭失败", err)
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
			comps.tasks.Stop()
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务启动失败", err)
			return err
		}
		return nil
	})

	return httpServer, nil
}

func GracefulShutdown(cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))

	// 取消上下文，通知所有服务开始关闭
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("服务关闭过程中出现错误", err)
			os.Exit(1)
		}
		logger.Info("所有服务已优雅关闭")
	case <-time.After(15 * time.Second):
		logger.Error("服务关闭超时，强制退出")
		os.Exit(1)
	}
}

func runServe() error {
	config, logger, err := LoadConfigAndLogger()
	if err != nil {
		return fmt.Errorf("加载配置或初始化日志系统失败: %w", err)
	}
	defer logger.Close()

	if err := godotenv.Load(); err != nil {
		logger.Warn("未找到 .env 文件，使用系统环境变量")
	}

	db, dbType, err := database.InitDB()
	if err != nil {
		logger.Error(fmt.Sprintf("数据库连接失败: %v", err))
		return err
	}
	logger.Info("数据库连接成功: " + dbType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, groupCtx := errgroup.WithContext(ctx)

	if _, err := StartHttpServer(config, logger, db, dbType, g, groupCtx); err != nil {
		cancel()
		return fmt.Errorf("启动 Http 服务失败: %w", err)
	}

	GracefulShutdown(cancel, logger, g)

	logger.Info("程序已成功退出")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
