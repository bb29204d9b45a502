package engage

// Logging convention for the engage package:
// Info:
//     essential events for abnormal behavior. This level should be silent
//     on normal operation. this includes:
//     - store transaction/batch failures and fallback activations
//     - reconnect cycles on the remote store transport
// Warning:
//     unexpected panics recovered from user callbacks or worker goroutines
// V(1):
//     key engine events with ids that can be used to filter
//     (toggle commits, share results, cache loads)
// V(2):
//     frequent events - per-snapshot delivery, per-frame transport traffic

// log tags used with glog:
//   [tg]  toggle engine
//   [un]  unread monitor
//   [sh]  share engine
//   [dir] directory cache
//   [ds]  document store (memory)
//   [rs]  document store (remote transport)
