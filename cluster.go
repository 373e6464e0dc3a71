package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

type ClusterMessage struct {
	NodeName  string  `json:"node"`
	Message   Message `json:"message"`
	Timestamp int64   `json:"ts"`
}

// Cluster fans chat messages out across peer nodes over redis pub/sub. Each
// node publishes what it stores locally and re-broadcasts what peers publish.
type Cluster struct {
	rdb     *redis.Client
	sub     *redis.PubSub
	name    string
	channel string
	log     *zap.SugaredLogger
}

func newCluster(cfg RedisConfig) (*Cluster, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if cfg.Name == "" {
		cfg.Name = time.Now().Format("Node-20060102150405")
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.Name
	}
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Cluster{
		rdb:     rdb,
		name:    cfg.Name,
		channel: cfg.Channel,
		log:     zap.S().With("component", "cluster", "node", cfg.Name),
	}, nil
}

// Publish pushes a locally stored message to peer nodes.
func (c *Cluster) Publish(m Message) {
	d, err := json.Marshal(ClusterMessage{
		NodeName:  c.name,
		Message:   m,
		Timestamp: m.CreatedAt.Unix(),
	})
	if err != nil {
		c.log.Error("json:", err)
		return
	}
	if err := c.rdb.Publish(context.Background(), c.channel, string(d)).Err(); err != nil {
		c.log.Error("publish:", err)
	}
}

// Run consumes peer messages and hands them to the node. Restarts itself on
// panic, like the subscription loop it was grown from.
func (c *Cluster) Run(handler func(Message)) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Error("cluster rev err:", err)
			go c.Run(handler)
		}
	}()
	c.sub = c.rdb.Subscribe(context.Background(), c.channel)

	cm := ClusterMessage{}
	for msg := range c.sub.Channel() {
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			c.log.Errorf("cluster rev json:%+v,%s", msg, err)
			continue
		}
		if cm.NodeName == c.name {
			continue
		}
		c.log.Info("cluster rev:", cm.NodeName, cm.Message.ID)
		handler(cm.Message)
	}
}

func (c *Cluster) Close() {
	if c.sub != nil {
		c.sub.Close()
	}
	c.rdb.Close()
}
