package main

import (
	"net/http"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	_ "net/http/pprof"
)

func main() {
	log, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(log)
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("./")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	err := viper.ReadInConfig()
	if err != nil {
		log.Sugar().Fatal("init config error:", err)
	}

	cfg := Config{}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		log.Sugar().Fatal("init config unmarshal error:", err)
	}

	if cfg.PprofHost != "" {
		go func() {
			http.ListenAndServe(cfg.PprofHost, nil)
		}()
	}

	node := newNode(cfg)
	defer node.Close()

	if cfg.DB != "" {
		archive, err := newArchive(cfg.DB, cfg.DBLog)
		if err != nil {
			log.Sugar().Fatal("init archive error:", err)
		}
		node.attachArchive(archive)
		log.Sugar().Info("archive enabled")
	}

	if cfg.Redis.Enable {
		cluster, err := newCluster(cfg.Redis)
		if err != nil {
			log.Sugar().Fatal("init cluster error:", err)
		}
		node.attachCluster(cluster)
		log.Sugar().Info("cluster enabled:", cfg.Redis.Name, cfg.Redis.Channel)
	}

	log.Sugar().Info("Start:", cfg.Host)
	err = http.ListenAndServe(cfg.Host, node.routes())
	if err != nil {
		log.Sugar().Fatal("ListenAndServe: ", err)
	}
}
