package driver

import (
	"fmt"

	inframqtt "github.com/kilianp07/mqttio/infra/mqtt"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.1.0"

// Version returns the driver version and the MQTT protocol level of the
// bundled engine.
func Version() string {
	return fmt.Sprintf("mqttio %s (MQTT 3.1.1, protocol level %d)", version, inframqtt.ProtocolVersion)
}
