package config

import (
	"log"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaulter 配置结构体可选实现：Unmarshal 之后补默认值
type Defaulter interface {
	SetDefaults()
}

var dotenvOnce sync.Once

// LoadAndWatch 约定 config/{service}.yaml，环境变量覆盖，文件变更热更新到 out
func LoadAndWatch(service string, out interface{}, onChange ...func()) (*viper.Viper, error) {
	// .env 只是给本地开发用的，不存在不报错
	dotenvOnce.Do(func() { _ = godotenv.Load() })

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// 例如 BRIDGE-SERVICE 前缀会被替换成 BRIDGE_SERVICE：
	//   BRIDGE_SERVICE_DB_SOURCE_NAME 覆盖 db.source_name
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := unmarshal(v, out); err != nil {
		return nil, err
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := unmarshal(v, out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		for _, fn := range onChange {
			fn()
		}
		log.Printf("[%s] config reloaded OK", service)
	})
	return v, nil
}

func unmarshal(v *viper.Viper, out interface{}) error {
	if err := v.Unmarshal(out); err != nil {
		return err
	}
	if d, ok := out.(Defaulter); ok {
		d.SetDefaults()
	}
	return nil
}
