// Package mqrpc turns request/response operations layered on top of a
// publish/subscribe transport (typically MQTT) into awaitable calls.
//
// Services reached through a broker usually answer a request published on
// `.../get` by publishing on `.../get/accepted` or `.../get/rejected`. The
// [Client] takes care of the choreography:
//
//  1. subscribe to both response topics, once per [TopicKey],
//  2. publish the request when both subscriptions are acknowledged,
//  3. route each response to the call it answers,
//  4. unsubscribe once no call is waiting on the topics anymore.
//
// ## Correlation
//
// Requests implementing [Tokenized] carry a correlation token, generated
// when left empty, that the service echoes in its response. Responses are
// matched by token, in any order.
//
// Requests without a token are matched in FIFO order: the oldest call in
// flight on a [TopicKey] gets the next response. This is only correct when
// the service answers in order, so avoid overlapping token-less calls on
// the same topics.
//
// ## Failure scope
//
// A failed subscription fails every call waiting on it. A failed publish
// only fails its own call. A response that cannot be decoded still
// completes the call it matched, with an error wrapping [ErrDecode].
// Messages matching no call are dropped.
//
// ## Transports
//
// [Transport] is a small asynchronous facade. The `pkg/pahomqtt` package
// implements it over a real MQTT connection and `pkg/loopback` provides an
// in-process broker. Typed clients for the device shadow and jobs services
// live in `pkg/shadow` and `pkg/jobs`.
package mqrpc
