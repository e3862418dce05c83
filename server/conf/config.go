package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
)

type CommandLineArgs struct {
	ConfigPath string
}

/*
*
[falcon]
data_dir          = data
page_size         = 4096
page_cache_size   = 4096
serial_log_dir    = data
lock_wait_timeout = 50s

[logs]
log_error = logs/error.log
log_infos = logs/falcon.log
log_level = info
*/
type Cfg struct {
	Raw *ini.File

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// falcon
	DataDir       string `default:"data" yaml:"data_dir" json:"data_dir,omitempty"`
	PageSize      int    `default:"4096" yaml:"page_size" json:"page_size,omitempty"`
	PageCacheSize int    `default:"4096" yaml:"page_cache_size" json:"page_cache_size,omitempty"` // 缓存页数
	IOThreads     int    `default:"2" yaml:"io_threads" json:"io_threads,omitempty"`
	DirectIO      bool   `default:"false" yaml:"direct_io" json:"direct_io,omitempty"`

	UseSectorCache bool `default:"true" yaml:"use_sector_cache" json:"use_sector_cache,omitempty"`
	SectorSize     int  `default:"65536" yaml:"sector_size" json:"sector_size,omitempty"`
	SectorCount    int  `default:"256" yaml:"sector_count" json:"sector_count,omitempty"`

	SerialLogDir        string `default:"data" yaml:"serial_log_dir" json:"serial_log_dir,omitempty"`
	SerialLogPrefix     string `default:"falcon_serial_log" yaml:"serial_log_prefix" json:"serial_log_prefix,omitempty"`
	SerialLogBlockSize  int    `default:"65536" yaml:"serial_log_block_size" json:"serial_log_block_size,omitempty"`
	SerialLogWindowSize int    `default:"1048576" yaml:"serial_log_window_size" json:"serial_log_window_size,omitempty"`
	SerialLogFileSize   int64  `default:"67108864" yaml:"serial_log_file_size" json:"serial_log_file_size,omitempty"`
	SerialLogPriority   bool   `default:"true" yaml:"serial_log_priority" json:"serial_log_priority,omitempty"`
	SerialLogFsync      bool   `default:"true" yaml:"serial_log_fsync" json:"serial_log_fsync,omitempty"`

	RecordChillThreshold    int64 `default:"5242880" yaml:"record_chill_threshold" json:"record_chill_threshold,omitempty"`
	RecordScavengeThreshold int64 `default:"67108864" yaml:"record_scavenge_threshold" json:"record_scavenge_threshold,omitempty"`
	RecordScavengeFloor     int64 `default:"33554432" yaml:"record_scavenge_floor" json:"record_scavenge_floor,omitempty"`

	LockWaitTimeout    time.Duration `default:"50s" yaml:"lock_wait_timeout" json:"lock_wait_timeout,omitempty"`
	Checksums          bool          `default:"true" yaml:"checksums" json:"checksums,omitempty"`
	DebugMask          uint32        `default:"0" yaml:"debug_mask" json:"debug_mask,omitempty"`
	GopherThreads      int           `default:"2" yaml:"gopher_threads" json:"gopher_threads,omitempty"`
	CheckpointInterval time.Duration `default:"30s" yaml:"checkpoint_interval" json:"checkpoint_interval,omitempty"`
	CycleInterval      time.Duration `default:"1s" yaml:"cycle_interval" json:"cycle_interval,omitempty"`
	ScavengeInterval   time.Duration `default:"5s" yaml:"scavenge_interval" json:"scavenge_interval,omitempty"`
	BacklogFile        string        `default:"falcon_backlog.db" yaml:"backlog_file" json:"backlog_file,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:      ini.Empty(),
		LogLevel: "info",

		DataDir:       "data",
		PageSize:      4096,
		PageCacheSize: 4096,
		IOThreads:     2,

		UseSectorCache: true,
		SectorSize:     65536,
		SectorCount:    256,

		SerialLogDir:        "data",
		SerialLogPrefix:     "falcon_serial_log",
		SerialLogBlockSize:  65536,
		SerialLogWindowSize: 1048576,
		SerialLogFileSize:   67108864, // 64MB
		SerialLogPriority:   true,
		SerialLogFsync:      true,

		RecordChillThreshold:    5242880,
		RecordScavengeThreshold: 67108864,
		RecordScavengeFloor:     33554432,

		LockWaitTimeout:    50 * time.Second,
		Checksums:          true,
		GopherThreads:      2,
		CheckpointInterval: 30 * time.Second,
		CycleInterval:      time.Second,
		ScavengeInterval:   5 * time.Second,
		BacklogFile:        "falcon_backlog.db",
	}
}

// Load reads the configuration file named by args. A missing path keeps the
// defaults; files ending in .toml are parsed as TOML, everything else as ini.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	path := ""
	if args != nil {
		path = args.ConfigPath
	}
	if path == "" {
		return cfg, cfg.Validate()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		cfg.parseToml(tree)
	} else {
		iniFile, err := ini.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		cfg.Raw = iniFile
		cfg.parseFalconCfg(cfg.Raw.Section("falcon"))
		cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	}
	logger.Debugf("loaded configuration from %s", path)
	return cfg, cfg.Validate()
}

func (cfg *Cfg) parseFalconCfg(section *ini.Section) *Cfg {
	cfg.DataDir = section.Key("data_dir").MustString(cfg.DataDir)
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.PageCacheSize = section.Key("page_cache_size").MustInt(cfg.PageCacheSize)
	cfg.IOThreads = section.Key("io_threads").MustInt(cfg.IOThreads)
	cfg.DirectIO = section.Key("direct_io").MustBool(cfg.DirectIO)

	cfg.UseSectorCache = section.Key("use_sector_cache").MustBool(cfg.UseSectorCache)
	cfg.SectorSize = section.Key("sector_size").MustInt(cfg.SectorSize)
	cfg.SectorCount = section.Key("sector_count").MustInt(cfg.SectorCount)

	cfg.SerialLogDir = section.Key("serial_log_dir").MustString(cfg.DataDir)
	cfg.SerialLogPrefix = section.Key("serial_log_prefix").MustString(cfg.SerialLogPrefix)
	cfg.SerialLogBlockSize = section.Key("serial_log_block_size").MustInt(cfg.SerialLogBlockSize)
	cfg.SerialLogWindowSize = section.Key("serial_log_window_size").MustInt(cfg.SerialLogWindowSize)
	cfg.SerialLogFileSize = section.Key("serial_log_file_size").MustInt64(cfg.SerialLogFileSize)
	cfg.SerialLogPriority = section.Key("serial_log_priority").MustBool(cfg.SerialLogPriority)
	cfg.SerialLogFsync = section.Key("serial_log_fsync").MustBool(cfg.SerialLogFsync)

	cfg.RecordChillThreshold = section.Key("record_chill_threshold").MustInt64(cfg.RecordChillThreshold)
	cfg.RecordScavengeThreshold = section.Key("record_scavenge_threshold").MustInt64(cfg.RecordScavengeThreshold)
	cfg.RecordScavengeFloor = section.Key("record_scavenge_floor").MustInt64(cfg.RecordScavengeFloor)

	cfg.LockWaitTimeout = section.Key("lock_wait_timeout").MustDuration(cfg.LockWaitTimeout)
	cfg.Checksums = section.Key("checksums").MustBool(cfg.Checksums)
	cfg.DebugMask = uint32(section.Key("debug_mask").MustUint(uint(cfg.DebugMask)))
	cfg.GopherThreads = section.Key("gopher_threads").MustInt(cfg.GopherThreads)
	cfg.CheckpointInterval = section.Key("checkpoint_interval").MustDuration(cfg.CheckpointInterval)
	cfg.CycleInterval = section.Key("cycle_interval").MustDuration(cfg.CycleInterval)
	cfg.ScavengeInterval = section.Key("scavenge_interval").MustDuration(cfg.ScavengeInterval)
	cfg.BacklogFile = section.Key("backlog_file").MustString(cfg.BacklogFile)
	return cfg
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) *Cfg {
	cfg.LogError = section.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = section.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
	return cfg
}

func (cfg *Cfg) parseToml(tree *toml.Tree) {
	str := func(key string, def string) string {
		if v, ok := tree.Get(key).(string); ok {
			return v
		}
		return def
	}
	num := func(key string, def int64) int64 {
		if v, ok := tree.Get(key).(int64); ok {
			return v
		}
		return def
	}
	flag := func(key string, def bool) bool {
		if v, ok := tree.Get(key).(bool); ok {
			return v
		}
		return def
	}
	dur := func(key string, def time.Duration) time.Duration {
		if d, err := time.ParseDuration(str(key, "")); err == nil {
			return d
		}
		return def
	}

	cfg.DataDir = str("falcon.data_dir", cfg.DataDir)
	cfg.PageSize = int(num("falcon.page_size", int64(cfg.PageSize)))
	cfg.PageCacheSize = int(num("falcon.page_cache_size", int64(cfg.PageCacheSize)))
	cfg.IOThreads = int(num("falcon.io_threads", int64(cfg.IOThreads)))
	cfg.DirectIO = flag("falcon.direct_io", cfg.DirectIO)
	cfg.UseSectorCache = flag("falcon.use_sector_cache", cfg.UseSectorCache)
	cfg.SectorSize = int(num("falcon.sector_size", int64(cfg.SectorSize)))
	cfg.SectorCount = int(num("falcon.sector_count", int64(cfg.SectorCount)))
	cfg.SerialLogDir = str("falcon.serial_log_dir", cfg.DataDir)
	cfg.SerialLogPrefix = str("falcon.serial_log_prefix", cfg.SerialLogPrefix)
	cfg.SerialLogBlockSize = int(num("falcon.serial_log_block_size", int64(cfg.SerialLogBlockSize)))
	cfg.SerialLogWindowSize = int(num("falcon.serial_log_window_size", int64(cfg.SerialLogWindowSize)))
	cfg.SerialLogFileSize = num("falcon.serial_log_file_size", cfg.SerialLogFileSize)
	cfg.SerialLogPriority = flag("falcon.serial_log_priority", cfg.SerialLogPriority)
	cfg.SerialLogFsync = flag("falcon.serial_log_fsync", cfg.SerialLogFsync)
	cfg.RecordChillThreshold = num("falcon.record_chill_threshold", cfg.RecordChillThreshold)
	cfg.RecordScavengeThreshold = num("falcon.record_scavenge_threshold", cfg.RecordScavengeThreshold)
	cfg.RecordScavengeFloor = num("falcon.record_scavenge_floor", cfg.RecordScavengeFloor)
	cfg.LockWaitTimeout = dur("falcon.lock_wait_timeout", cfg.LockWaitTimeout)
	cfg.Checksums = flag("falcon.checksums", cfg.Checksums)
	cfg.DebugMask = uint32(num("falcon.debug_mask", int64(cfg.DebugMask)))
	cfg.GopherThreads = int(num("falcon.gopher_threads", int64(cfg.GopherThreads)))
	cfg.CheckpointInterval = dur("falcon.checkpoint_interval", cfg.CheckpointInterval)
	cfg.CycleInterval = dur("falcon.cycle_interval", cfg.CycleInterval)
	cfg.ScavengeInterval = dur("falcon.scavenge_interval", cfg.ScavengeInterval)
	cfg.BacklogFile = str("falcon.backlog_file", cfg.BacklogFile)

	cfg.LogError = str("logs.log_error", cfg.LogError)
	cfg.LogInfos = str("logs.log_infos", cfg.LogInfos)
	cfg.LogLevel = str("logs.log_level", cfg.LogLevel)
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate 检查配置是否合法
func (cfg *Cfg) Validate() error {
	if !isPowerOfTwo(cfg.PageSize) || cfg.PageSize < 1024 || cfg.PageSize > 32768 {
		return fmt.Errorf("page_size %d must be a power of two in [1024, 32768]", cfg.PageSize)
	}
	if !isPowerOfTwo(cfg.SerialLogBlockSize) || cfg.SerialLogBlockSize < 2*cfg.PageSize {
		return fmt.Errorf("serial_log_block_size %d must be a power of two of at least twice the page size", cfg.SerialLogBlockSize)
	}
	if cfg.SerialLogWindowSize < cfg.SerialLogBlockSize || cfg.SerialLogWindowSize%cfg.SerialLogBlockSize != 0 {
		return fmt.Errorf("serial_log_window_size %d must be a multiple of the block size", cfg.SerialLogWindowSize)
	}
	if cfg.SerialLogFileSize < int64(cfg.SerialLogWindowSize) {
		return fmt.Errorf("serial_log_file_size %d smaller than a window", cfg.SerialLogFileSize)
	}
	if cfg.PageCacheSize < 16 {
		return fmt.Errorf("page_cache_size %d too small", cfg.PageCacheSize)
	}
	if cfg.UseSectorCache && (cfg.SectorSize < cfg.PageSize || cfg.SectorSize%cfg.PageSize != 0) {
		return fmt.Errorf("sector_size %d must be a multiple of the page size", cfg.SectorSize)
	}
	if cfg.IOThreads < 1 || cfg.GopherThreads < 1 {
		return fmt.Errorf("io_threads and gopher_threads must be positive")
	}
	if cfg.RecordScavengeFloor > cfg.RecordScavengeThreshold {
		return fmt.Errorf("record_scavenge_floor above record_scavenge_threshold")
	}
	if cfg.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock_wait_timeout must be positive")
	}
	return nil
}

// LogConfig converts the [logs] section for logger.InitLogger.
func (cfg *Cfg) LogConfig() logger.LogConfig {
	return logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
		DebugMask:    cfg.DebugMask,
	}
}
