package accesslog

import "github.com/rs/zerolog/log"

// Observer receives every Record. Observers should be fast; Notify invokes
// them asynchronously.
type Observer func(Record)

// Notify invokes obs asynchronously and recovers from its panics.
func Notify(obs Observer, rec Record) {
	if obs == nil {
		return
	}
	go func(r Record) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_url", r.URL).
					Str("record_mode", r.Mode).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}

// Chain returns an observer calling each non-nil observer in order.
func Chain(obs ...Observer) Observer {
	var live []Observer
	for _, o := range obs {
		if o != nil {
			live = append(live, o)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(r Record) {
		for _, o := range live {
			o(r)
		}
	}
}
