package mq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager RabbitMQ连接管理器，断线后按配置自动重连
type ConnectionManager struct {
	config *Config
	logger *zap.Logger

	conn      *amqp.Connection
	connMutex sync.RWMutex
	state     int32

	stopCh         chan struct{}
	stopOnce       sync.Once
	reconnectCount int32
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(config *Config, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		config: config,
		logger: logger,
		state:  int32(StateDisconnected),
		stopCh: make(chan struct{}),
	}
}

// Connect 建立连接
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&cm.state, int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("connection is already in progress or connected")
	}

	cm.logger.Info("连接RabbitMQ",
		zap.String("host", cm.config.Host),
		zap.Int("port", cm.config.Port),
		zap.String("vhost", cm.config.VHost))

	if err := cm.dial(ctx); err != nil {
		atomic.StoreInt32(&cm.state, int32(StateDisconnected))
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	cm.logger.Info("RabbitMQ连接成功")
	go cm.monitorConnection()
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	connConfig := amqp.Config{
		Heartbeat:       cm.config.HeartbeatInterval,
		Locale:          "en_US",
		TLSClientConfig: cm.config.GetTLSConfig(),
	}
	if cm.config.ConnectionTimeout > 0 {
		connConfig.Dial = amqp.DefaultDial(cm.config.ConnectionTimeout)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.config.GetConnectionURL(), connConfig)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		cm.connMutex.Lock()
		cm.conn = r.conn
		cm.connMutex.Unlock()
		atomic.StoreInt32(&cm.state, int32(StateConnected))
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// Channel 打开新通道，调用方负责关闭
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.connMutex.RLock()
	conn := cm.conn
	cm.connMutex.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection is not available (state=%s)", cm.GetState())
	}
	return conn.Channel()
}

// IsConnected 检查是否已连接
func (cm *ConnectionManager) IsConnected() bool {
	return cm.GetState() == StateConnected
}

// GetState 获取连接状态
func (cm *ConnectionManager) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&cm.state))
}

// ReconnectCount 累计重连次数
func (cm *ConnectionManager) ReconnectCount() int32 {
	return atomic.LoadInt32(&cm.reconnectCount)
}

// Close 关闭连接
func (cm *ConnectionManager) Close() error {
	var err error
	cm.stopOnce.Do(func() {
		atomic.StoreInt32(&cm.state, int32(StateClosed))
		cm.logger.Info("关闭RabbitMQ连接")
		close(cm.stopCh)

		cm.connMutex.Lock()
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
		cm.connMutex.Unlock()
	})
	return err
}

// monitorConnection 监控连接状态
func (cm *ConnectionManager) monitorConnection() {
	cm.connMutex.RLock()
	conn := cm.conn
	cm.connMutex.RUnlock()
	if conn == nil {
		return
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case err := <-closeCh:
		if err != nil {
			cm.logger.Error("RabbitMQ连接意外关闭", zap.Error(err))
			cm.handleDisconnection(err)
		}
	case <-cm.stopCh:
	}
}

// handleDisconnection 处理连接断开
func (cm *ConnectionManager) handleDisconnection(err error) {
	if !atomic.CompareAndSwapInt32(&cm.state, int32(StateConnected), int32(StateReconnecting)) {
		return
	}
	cm.logger.Warn("RabbitMQ连接断开，开始重连", zap.Error(err))
	if cm.config.EnableReconnect {
		go cm.reconnect()
	} else {
		atomic.StoreInt32(&cm.state, int32(StateDisconnected))
	}
}

// reconnect 重连逻辑
func (cm *ConnectionManager) reconnect() {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("重连过程发生panic", zap.Any("panic", r))
		}
	}()

	maxAttempts := cm.config.MaxReconnectAttempts
	for attempt := 1; ; attempt++ {
		select {
		case <-cm.stopCh:
			return
		default:
		}

		atomic.AddInt32(&cm.reconnectCount, 1)
		cm.logger.Info("尝试重连RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts))

		ctx, cancel := context.WithTimeout(context.Background(), cm.config.ConnectionTimeout)
		err := cm.dial(ctx)
		cancel()
		if err == nil {
			cm.logger.Info("RabbitMQ重连成功", zap.Int("attempts", attempt))
			go cm.monitorConnection()
			return
		}

		cm.logger.Error("RabbitMQ重连失败", zap.Error(err), zap.Int("attempt", attempt))
		if maxAttempts > 0 && attempt >= maxAttempts {
			cm.logger.Error("RabbitMQ重连失败，达到最大重试次数", zap.Int("max_attempts", maxAttempts))
			atomic.StoreInt32(&cm.state, int32(StateDisconnected))
			return
		}

		select {
		case <-time.After(cm.config.ReconnectInterval):
		case <-cm.stopCh:
			return
		}
	}
}
