package routing

import "errors"

var (
	ErrRegionsNotSupported = errors.New("region failover is only available for LiveKit Cloud")
)
