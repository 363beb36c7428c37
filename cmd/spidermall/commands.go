package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lengmodkx/spider-mall/internal/api"
	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/extractor"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newInitDBCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "创建或迁移数据表",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("database initialized", slog.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newStartCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "启动调度器与状态 API，直到收到 SIGINT / SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Error("close resources failed", slog.String("error", err.Error()))
				}
			}()
			if err := a.store.AutoMigrate(ctx); err != nil {
				return err
			}
			metrics.InitMetrics()
			return runService(ctx, a)
		},
	}
}

func runService(ctx context.Context, a *app) error {
	cfg := a.cfg
	if cfg.Schedule.Enabled {
		if _, err := a.scheduler.ScheduleDaily(cfg.Schedule.CrawlTime, cfg.Platform.DefaultCategory); err != nil {
			return err
		}
	}
	if _, err := a.scheduler.ScheduleMaintenance(cfg.Schedule.MaintenanceInterval); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.App.HTTPAddr != "" {
		if cfg.App.Env != "local" {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := api.NewServer(cfg.App.HTTPAddr, a.store, a.scheduler, a.rdb, a.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down scheduler...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.scheduler.Shutdown(shutdownCtx)
	})

	a.logger.Info("spidermall started",
		slog.Bool("schedule_enabled", cfg.Schedule.Enabled),
		slog.String("crawl_time", cfg.Schedule.CrawlTime),
		slog.String("http_addr", cfg.App.HTTPAddr))
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("spidermall stopped")
	return nil
}

func newCrawlCommand(flags *globalFlags) *cobra.Command {
	var (
		platform string
		category string
		pages    int
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "立即执行一次手动抓取",
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms, err := resolvePlatforms(platform)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.AutoMigrate(ctx); err != nil {
				return err
			}

			var failed []string
			out := cmd.OutOrStdout()
			for _, p := range platforms {
				res := a.scheduler.RunManual(ctx, p, category, pages)
				fmt.Fprintf(out, "%-8s %-8s products=%d reviews=%d", p, res.Status, res.Products, res.Reviews)
				if res.Error != "" {
					fmt.Fprintf(out, " error=%s", res.Error)
					failed = append(failed, p)
				}
				fmt.Fprintln(out)
			}
			if len(failed) > 0 {
				return fmt.Errorf("crawl failed for %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "all", "平台: all / taobao / jd")
	cmd.Flags().StringVar(&category, "category", "", "类目（默认使用配置中的 default_category）")
	cmd.Flags().IntVar(&pages, "pages", 0, "列表页数上限（0 使用配置值）")
	return cmd
}

func resolvePlatforms(p string) ([]string, error) {
	switch p = strings.ToLower(strings.TrimSpace(p)); {
	case p == "" || p == model.PlatformAll:
		return model.Platforms(), nil
	case model.IsKnownPlatform(p):
		return []string{p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", scheduler.ErrUnknownPlatform, p)
	}
}

func newTestExtractorCommand(flags *globalFlags) *cobra.Command {
	var (
		platform  string
		keyword   string
		reviews   bool
		productID string
		detailURL string
		page      int
	)
	cmd := &cobra.Command{
		Use:   "test-extractor",
		Short: "调用单个平台的 Extractor 并输出原始结果，不写数据库",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.IsKnownPlatform(platform) {
				return fmt.Errorf("%w: %q", scheduler.ErrUnknownPlatform, platform)
			}
			cfg, log, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rdb := openRedis(cmd.Context(), cfg.Redis, log)
			if rdb != nil {
				defer rdb.Close()
			}
			registry := extractor.Build(cfg, rdb, log)
			defer registry.Close()
			ext, err := registry.Get(platform)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			ran := false
			if keyword != "" {
				ran = true
				items, err := ext.SearchProducts(ctx, keyword, max(page, 1))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "search %q page %d: %d products\n", keyword, max(page, 1), len(items))
				if err := printJSON(out, items); err != nil {
					return err
				}
			}
			if reviews {
				if productID == "" {
					return errors.New("--reviews requires --product-id")
				}
				ran = true
				items, err := ext.GetProductReviews(ctx, productID, max(page-1, 0))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "reviews of %s: %d\n", productID, len(items))
				if err := printJSON(out, items); err != nil {
					return err
				}
			}
			if detailURL != "" {
				ran = true
				detail, err := ext.GetProductDetails(ctx, detailURL)
				if err != nil {
					return err
				}
				if err := printJSON(out, detail); err != nil {
					return err
				}
			}
			if !ran {
				return errors.New("nothing to do: use --search, --reviews or --url")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", model.PlatformJD, "平台: taobao / jd")
	cmd.Flags().StringVar(&keyword, "search", "", "搜索关键词")
	cmd.Flags().BoolVar(&reviews, "reviews", false, "抓取评论（需要 --product-id）")
	cmd.Flags().StringVar(&productID, "product-id", "", "商品 ID")
	cmd.Flags().StringVar(&detailURL, "url", "", "商品详情页 URL")
	cmd.Flags().IntVar(&page, "page", 1, "页码（从 1 开始）")
	return cmd
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "显示数据量与最近的任务记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.Counts(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := st.RecentTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), counts, tasks)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "显示的任务条数")
	return cmd
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	var writePath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "输出生效的配置（密码已隐藏），或用 --write 生成默认配置文件",
		RunE: func(cmd *cobra.Command, args []string) error {
			if writePath != "" {
				if _, err := os.Stat(writePath); err == nil {
					return fmt.Errorf("config file %s already exists", writePath)
				}
				if err := config.Save(writePath, config.Default()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "default config written to %s\n", writePath)
				return nil
			}
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), redact(cfg))
		},
	}
	cmd.Flags().StringVar(&writePath, "write", "", "把默认配置写入该路径")
	return cmd
}

// redact 返回隐藏了密码的配置副本。
func redact(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Redis.Password != "" {
		c.Redis.Password = "******"
	}
	if c.Email.SMTPPass != "" {
		c.Email.SMTPPass = "******"
	}
	if c.Database.DSN != "" && c.Database.Driver != "sqlite" {
		c.Database.DSN = "******"
	}
	return &c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func printStatus(w io.Writer, counts any, tasks []model.CrawlTask) error {
	if err := printJSON(w, counts); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tPLATFORM\tCATEGORY\tSTATUS\tPRODUCTS\tREVIEWS\tERRORS\tSTARTED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			t.ID, t.TaskName, t.Platform, t.Category, t.Status,
			t.ProductsFound, t.ReviewsFound, t.ErrorsCount,
			t.StartTime.Format(time.DateTime))
	}
	return tw.Flush()
}
