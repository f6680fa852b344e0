/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// Classify implements spec §7's propagation policy: every stage callback
// converts its error kind into ack, nack(requeue=false), or
// republish_tail(x-retry++). A nil err always acks. retryLimit is the
// stage's configured bound (spec §8 invariant 12); once x-retry reaches it
// the message is dropped rather than requeued again.
func Classify(err error, headers amqp.Table, retryLimit int) Disposition {
	if err == nil {
		return Ack
	}
	if crserrors.KindOf(err) == crserrors.KindTaskCancelled {
		// A canceled task is a clean exit for the affected work only.
		return Ack
	}
	if RetryOf(headers) >= retryLimit {
		return NackDrop
	}
	switch crserrors.KindOf(err) {
	case crserrors.KindPoisonMessage, crserrors.KindQuotaExceeded:
		return NackDrop
	case crserrors.KindTransientInfra, crserrors.KindBuildFailure, crserrors.KindReplayAmbiguous, crserrors.KindParseFailure:
		return RequeueTailDisposition
	default:
		// KindFatal and anything unrecognized: requeued to the tail like
		// the transient kinds, so the retryLimit check above bounds it.
		// The worker process does not exit on it.
		return RequeueTailDisposition
	}
}
