package agent

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/qaharvest/internal/models"
)

// CommandType is the wire name of a page agent command
type CommandType string

const (
	CommandPing         CommandType = "PING"
	CommandExtract      CommandType = "EXTRACT"
	CommandSnapshotOnly CommandType = "EXTRACT_SNAPSHOT_ONLY"
	CommandAbort        CommandType = "ABORT"
)

// Command is the closed set of messages the page agent understands.
// Only the types in this package implement it.
type Command interface {
	commandType() CommandType
}

// Ping asks the agent whether it is loaded and ready
type Ping struct{}

// Extract starts a full extraction with the given settings
type Extract struct {
	Settings models.ExtractSettings
}

// SnapshotOnly asks for whatever results are currently visible without interacting
type SnapshotOnly struct{}

// Abort tells the agent to stop any extraction in progress
type Abort struct{}

func (Ping) commandType() CommandType         { return CommandPing }
func (Extract) commandType() CommandType      { return CommandExtract }
func (SnapshotOnly) commandType() CommandType { return CommandSnapshotOnly }
func (Abort) commandType() CommandType        { return CommandAbort }

type envelope struct {
	Type     CommandType             `json:"type"`
	Settings *models.ExtractSettings `json:"settings,omitempty"`
}

// Encode renders a command as the JSON message handed to the agent
func Encode(cmd Command) ([]byte, error) {
	var env envelope
	switch c := cmd.(type) {
	case Ping:
		env = envelope{Type: CommandPing}
	case Extract:
		settings := c.Settings
		env = envelope{Type: CommandExtract, Settings: &settings}
	case SnapshotOnly:
		env = envelope{Type: CommandSnapshotOnly}
	case Abort:
		env = envelope{Type: CommandAbort}
	default:
		return nil, fmt.Errorf("unknown agent command %T", cmd)
	}
	return json.Marshal(env)
}

// PingResponse is the agent's answer to Ping
type PingResponse struct {
	Alive bool `json:"alive"`
}
