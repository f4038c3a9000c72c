package mqtt

import (
	"strings"
	"unicode/utf8"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

const maxTopicLen = 65535

func validatePublishTopic(topic string) error {
	if topic == "" || len(topic) > maxTopicLen || !utf8.ValidString(topic) {
		return coremqtt.Errorf(coremqtt.CodeInval, "invalid topic %q", topic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return coremqtt.Errorf(coremqtt.CodeInval, "wildcards are not allowed in topic %q", topic)
	}
	return nil
}

func validateFilter(filter string) error {
	if filter == "" || len(filter) > maxTopicLen || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return coremqtt.Errorf(coremqtt.CodeInval, "invalid filter %q", filter)
	}
	levels := strings.Split(filter, "/")
	for i, lvl := range levels {
		switch {
		case lvl == "#":
			if i != len(levels)-1 {
				return coremqtt.Errorf(coremqtt.CodeInval, "'#' must be the last level in %q", filter)
			}
		case lvl == "+":
		case strings.ContainsAny(lvl, "+#"):
			return coremqtt.Errorf(coremqtt.CodeInval, "wildcard must occupy a whole level in %q", filter)
		}
	}
	return nil
}
