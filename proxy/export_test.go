package proxy

import "time"

func setRetryInterval(d time.Duration) { retryInterval = d }

func setOverallTimeout(d time.Duration) { overallTimeout = d }
