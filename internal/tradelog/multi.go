package tradelog

import "errors"

// Fanout forwards every entry to all sinks. Append keeps going past a
// failing sink so one broken writer never starves the others.
type Fanout []Log

func (f Fanout) Append(entry Entry) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Append(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, sink := range f {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
