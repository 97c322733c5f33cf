package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	state  interfaces.StateStorage
	alarms interfaces.AlarmStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		state:  NewStateStorage(db, logger),
		alarms: NewAlarmStorage(db, logger),
		logger: logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// StateStorage returns the scheduler state storage
func (m *Manager) StateStorage() interfaces.StateStorage {
	return m.state
}

// AlarmStorage returns the wake-up alarm storage
func (m *Manager) AlarmStorage() interfaces.AlarmStorage {
	return m.alarms
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
