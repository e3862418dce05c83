package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
	"github.com/zhukovaskychina/xmysql-falcon/server/conf"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/engine"
)

const help = `
******************************************************************************************
*  falcon 存储引擎
*帮助:
*1. --help         帮助
*2. --config       指定 falcon.ini / falcon.toml 配置文件
*3. --info         打开数据库, 打印状态后退出
*4. --checkpoint   打开数据库(必要时恢复), 做一次检查点后退出
******************************************************************************************
`

func main() {
	var (
		configPath string
		info       bool
		checkpoint bool
	)
	flag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	flag.BoolVar(&info, "info", false, "print engine state and exit")
	flag.BoolVar(&checkpoint, "checkpoint", false, "recover, checkpoint and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
		DebugMask:    cfg.DebugMask,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	e, err := engine.Open(cfg)
	if err != nil {
		logger.Errorf("open engine: %v", err)
		os.Exit(1)
	}

	switch {
	case info:
		printInfo(e)
	case checkpoint:
		if err := e.Checkpoint(); err != nil {
			logger.Errorf("checkpoint: %v", err)
		}
	default:
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		logger.WithFields(logrus.Fields{"data_dir": cfg.DataDir}).Info("falcon running, waiting for a signal")
		s := <-sig
		logger.Infof("got %s, shutting down", s)
	}

	if err := e.Close(); err != nil {
		logger.Errorf("close engine: %v", err)
		os.Exit(1)
	}
}

func printInfo(e *engine.Engine) {
	st := e.Info()
	fmt.Printf("table spaces:\n")
	for _, ts := range st.TableSpaces {
		fmt.Printf("  %3d %-16s %s\n", ts.Id, ts.Name, ts.Filename)
	}
	fmt.Printf("tables:\n")
	for _, tbl := range e.Tables() {
		ti, err := e.GetInfo(tbl.Schema, tbl.Name)
		if err != nil {
			fmt.Printf("  %s: %v\n", tbl.FullName(), err)
			continue
		}
		fmt.Printf("  %-32s space=%s records=%d indexes=%d\n", tbl.FullName(), ti.TableSpace, ti.Records, len(ti.Indexes))
	}
	fmt.Printf("page cache:    %+v\n", st.BufferPool)
	fmt.Printf("serial log:    %+v\n", st.SerialLog)
	fmt.Printf("transactions:  %+v\n", st.Transactions)
	fmt.Printf("in doubt:      %d\n", st.InDoubt)
	fmt.Printf("gopher:        pending=%d submitted=%d completed=%d failed=%d\n",
		st.GopherPending, st.GopherSubmitted, st.GopherCompleted, st.GopherFailed)
}
