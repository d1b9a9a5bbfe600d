package cache

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// badgerLogger routes badger's internal logging into zerolog. Badger's info
// chatter (table opens, compactions, value log GC) is trace level here so it
// only shows when explicitly asked for.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msg(trim(f, v))
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msg(trim(f, v))
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	log.Trace().Str("component", "badger").Msg(trim(f, v))
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace().Str("component", "badger").Msg(trim(f, v))
}

func trim(f string, v []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}
