package client

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

// router demultiplexes inbound frames by task UUID. It runs on the
// transport's read goroutine, so frames are processed strictly in arrival
// order; correlation ids, not queue position, match replies to callers.
type router struct {
	correlator *correlator
	auth       *authStep
	log        zerolog.Logger
}

func newRouter(correlator *correlator, auth *authStep, log zerolog.Logger) *router {
	return &router{
		correlator: correlator,
		auth:       auth,
		log:        log.With().Str("component", "router").Logger(),
	}
}

func (r *router) handleFrame(data []byte) {
	var frame dto.ResponseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		// malformed frames never crash the router or fail the connection;
		// the owning request's timer is the safety net
		r.log.Warn().Err((&ProtocolError{Cause: err})).Msg("dropping malformed frame")
		return
	}

	if frame.IsError() {
		// an error at the connection level is not attributable to one
		// request, so every waiter fails rather than being left hanging
		msg := frame.ErrorText()
		r.log.Warn().Str("message", msg).Msg("provider reported an error frame")
		r.auth.fail(&AuthenticationError{Message: msg})
		r.correlator.cancelAll(&TaskError{Message: msg})
		return
	}

	for i := range frame.Data {
		entry := frame.Data[i]
		if entry.TaskType == dto.TaskTypeAuthentication {
			r.auth.succeed(entry.ConnectionSessionUUID)
			continue
		}
		if entry.TaskUUID == "" {
			r.log.Debug().Str("taskType", entry.TaskType).Msg("dropping entry without task UUID")
			continue
		}

		var res *dto.TaskResult
		var err error
		if entry.Error || entry.ErrorMessage != "" {
			err = &TaskError{TaskUUID: entry.TaskUUID, Message: entry.ErrorMessage}
		} else {
			res = &entry
		}
		if !r.correlator.settle(entry.TaskUUID, res, err) {
			// already settled or timed out; a late reply is ignorable
			r.log.Debug().Str("taskUUID", entry.TaskUUID).Msg("dropping reply for unknown task")
		}
	}
}
