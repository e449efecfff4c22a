package uid

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/labstack/gommon/log"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init must run once at startup; machineID has to be unique per relay
// instance (0-1023) for ids to stay unique across instances.
func Init(machineID int64) {
	once.Do(func() {
		var err error
		node, err = snowflake.NewNode(machineID)
		if err != nil {
			log.Fatalf("failed to initialize snowflake node: %v", err)
		}
	})
}

// GenerateString returns a snowflake id in decimal form, so JS clients
// don't lose precision.
func GenerateString() string {
	if node == nil {
		log.Fatalf("uid package not initialized")
	}
	return node.Generate().String()
}
