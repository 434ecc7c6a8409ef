// Package sla watches task liveness and decides how hard to push.
//
// Two layers cooperate. The static Engine compares time-in-status against
// fixed per-status thresholds and ladders its response with the overrun. The
// adaptive Coordinator reads the progress tracker: it pings silent agents,
// reassigns critical tasks within a budget, quarantines agents that ignore
// pings or pile up rejections, and warns when reported progress lags the
// estimate. Trust standing lives in the Registry shared by both.
package sla
