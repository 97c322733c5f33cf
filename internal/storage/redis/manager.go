package redis

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
)

// Manager implements the StorageManager interface for Redis
type Manager struct {
	conn   *Connection
	state  interfaces.StateStorage
	alarms interfaces.AlarmStorage
}

// NewManager creates a new Redis storage manager
func NewManager(logger arbor.ILogger, config *common.RedisConfig) (interfaces.StorageManager, error) {
	conn, err := NewConnection(logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("addr", config.Addr).Str("prefix", config.KeyPrefix).Msg("Redis storage manager initialized")

	return &Manager{
		conn:   conn,
		state:  NewStateStorage(conn, logger),
		alarms: NewAlarmStorage(conn, logger),
	}, nil
}

func (m *Manager) StateStorage() interfaces.StateStorage {
	return m.state
}

func (m *Manager) AlarmStorage() interfaces.AlarmStorage {
	return m.alarms
}

func (m *Manager) Close() error {
	return m.conn.Close()
}
