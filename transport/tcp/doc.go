// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package tcp is the epoll-driven TCP transport: a listener producing
// inbound channels, a connector producing outbound ones, and the
// bidirectional Channel whose read/write completions are scheduled back
// onto the work pool. The transport moves opaque byte streams; framing
// belongs to the layers above.
package tcp
