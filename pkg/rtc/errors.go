package rtc

import "errors"

var (
	ErrTrackNotFound    = errors.New("track is not published")
	ErrNotJoined        = errors.New("engine has not joined")
	ErrUnknownScenario  = errors.New("unknown simulate scenario")
	ErrMissingTrackInfo = errors.New("track publish response carried no track")
)
