package main

import (
	"github.com/spf13/cobra"
)

// globalFlags 所有子命令共享的参数。
type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "spidermall",
		Short:         "淘宝 / 京东商品与评论抓取服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "配置文件路径（默认 configs/config.json）")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "输出 debug 日志")

	root.AddCommand(
		newInitDBCommand(flags),
		newStartCommand(flags),
		newCrawlCommand(flags),
		newTestExtractorCommand(flags),
		newStatusCommand(flags),
		newConfigCommand(flags),
	)
	return root
}
