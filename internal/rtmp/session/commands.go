package session

import (
	"fmt"
	"strings"

	"github.com/zsiec/rtmpcam/internal/rtmp/amf"
	"github.com/zsiec/rtmpcam/internal/rtmp/chunk"
)

func (s *ServerSession) handleCommand(m *chunk.Message, body []byte) ([]Result, error) {
	vals, err := amf.Decode(body)
	if err != nil || len(vals) < 2 {
		return unhandleable(m, "undecodable command"), nil
	}
	name, _ := vals[0].(string)
	txID, _ := vals[1].(float64)
	args := vals[2:]

	switch name {
	case "connect":
		return s.onConnect(m, txID, args), nil
	case "releaseStream":
		return s.onReleaseStream(m, txID, args)
	case "FCPublish":
		return s.simpleResult(txID)
	case "createStream":
		return s.onCreateStream(m, txID)
	case "publish":
		return s.onPublish(m, txID, args), nil
	case "FCUnpublish":
		return s.finishByKey(stringArg(args, 1)), nil
	case "deleteStream":
		id := uint32(numberArg(args, 1))
		res := s.finishStream(id)
		delete(s.streams, id)
		return res, nil
	case "closeStream":
		return s.finishStream(m.StreamID), nil
	default:
		return unhandleable(m, "unsupported command "+name), nil
	}
}

func stringArg(args []any, i int) string {
	if i < len(args) {
		s, _ := args[i].(string)
		return s
	}
	return ""
}

func numberArg(args []any, i int) float64 {
	if i < len(args) {
		f, _ := args[i].(float64)
		return f
	}
	return 0
}

// normalizeKey drops query parameters some encoders append to the stream
// name (e.g. "key?token=x").
func normalizeKey(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}

func (s *ServerSession) newRequest(r request) uint32 {
	s.nextRequestID++
	s.pending[s.nextRequestID] = r
	return s.nextRequestID
}

func (s *ServerSession) onConnect(m *chunk.Message, txID float64, args []any) []Result {
	if s.connected {
		return unhandleable(m, "connect on an already connected session")
	}
	var obj amf.Object
	if len(args) > 0 {
		obj, _ = amf.Properties(args[0])
	}
	app := strings.Trim(obj.String("app"), "/")
	s.appName = app
	s.tcURL = obj.String("tcUrl")
	s.objectEncoding, _ = obj.Number("objectEncoding")

	id := s.newRequest(request{kind: requestConnect, transactionID: txID})
	return event(ConnectionRequested{RequestID: id, AppName: app, TCURL: s.tcURL})
}

func (s *ServerSession) onReleaseStream(m *chunk.Message, txID float64, args []any) ([]Result, error) {
	if !s.connected {
		return unhandleable(m, "releaseStream before connect"), nil
	}
	key := normalizeKey(stringArg(args, 1))
	id := s.newRequest(request{kind: requestRelease, transactionID: txID, streamKey: key})
	return event(ReleaseStreamRequested{RequestID: id, AppName: s.appName, StreamKey: key}), nil
}

func (s *ServerSession) simpleResult(txID float64) ([]Result, error) {
	p, err := s.command(0, "_result", txID, nil, amf.Undefined{})
	if err != nil {
		return nil, err
	}
	return []Result{p}, nil
}

func (s *ServerSession) onCreateStream(m *chunk.Message, txID float64) ([]Result, error) {
	if !s.connected {
		return unhandleable(m, "createStream before connect"), nil
	}
	if len(s.streams) >= s.cfg.MaxStreams {
		return unhandleable(m, fmt.Sprintf("createStream beyond %d open streams", s.cfg.MaxStreams)), nil
	}
	id := s.nextStreamID
	s.nextStreamID++
	s.streams[id] = &streamState{}
	p, err := s.command(0, "_result", txID, nil, float64(id))
	if err != nil {
		return nil, err
	}
	return []Result{p}, nil
}

func (s *ServerSession) onPublish(m *chunk.Message, txID float64, args []any) []Result {
	st, ok := s.streams[m.StreamID]
	if !s.connected || !ok {
		return unhandleable(m, "publish on an unknown stream")
	}
	if st.publishing {
		return unhandleable(m, "publish on a stream that is already publishing")
	}
	key := normalizeKey(stringArg(args, 1))
	mode := PublishMode(strings.ToLower(stringArg(args, 2)))
	if mode == "" {
		mode = PublishModeLive
	}
	id := s.newRequest(request{
		kind:          requestPublish,
		transactionID: txID,
		streamID:      m.StreamID,
		streamKey:     key,
		mode:          mode,
	})
	return event(PublishStreamRequested{
		RequestID: id,
		AppName:   s.appName,
		StreamKey: key,
		Mode:      mode,
		StreamID:  m.StreamID,
	})
}

func (s *ServerSession) finishStream(id uint32) []Result {
	st, ok := s.streams[id]
	if !ok || !st.publishing {
		return nil
	}
	st.publishing = false
	return event(PublishStreamFinished{AppName: s.appName, StreamKey: st.key})
}

func (s *ServerSession) finishByKey(key string) []Result {
	key = normalizeKey(key)
	for id, st := range s.streams {
		if st.publishing && st.key == key {
			return s.finishStream(id)
		}
	}
	return nil
}

// AcceptRequest accepts a pending connect, releaseStream or publish request
// and returns the packets that tell the peer.
func (s *ServerSession) AcceptRequest(id uint32) ([]Result, error) {
	r, ok := s.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	delete(s.pending, id)

	switch r.kind {
	case requestConnect:
		s.connected = true
		res, err := s.command(0, "_result", r.transactionID,
			amf.Object{
				{Key: "fmsVer", Value: s.cfg.FMSVersion},
				{Key: "capabilities", Value: s.cfg.Capabilities},
			},
			amf.Object{
				{Key: "level", Value: "status"},
				{Key: "code", Value: "NetConnection.Connect.Success"},
				{Key: "description", Value: "Connection succeeded."},
				{Key: "objectEncoding", Value: s.objectEncoding},
			})
		if err != nil {
			return nil, err
		}
		return []Result{s.userControl(userControlStreamBegin, 0), res}, nil

	case requestRelease:
		return s.simpleResult(r.transactionID)

	case requestPublish:
		st, ok := s.streams[r.streamID]
		if !ok {
			return nil, nil
		}
		st.key = r.streamKey
		st.publishing = true
		res, err := s.command(r.streamID, "onStatus", 0.0, nil, amf.Object{
			{Key: "level", Value: "status"},
			{Key: "code", Value: "NetStream.Publish.Start"},
			{Key: "description", Value: "Start publishing " + r.streamKey},
		})
		if err != nil {
			return nil, err
		}
		return []Result{s.userControl(userControlStreamBegin, r.streamID), res}, nil
	}
	return nil, nil
}

// RejectRequest refuses a pending request with the given status code and
// description.
func (s *ServerSession) RejectRequest(id uint32, code, description string) ([]Result, error) {
	r, ok := s.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	delete(s.pending, id)

	info := amf.Object{
		{Key: "level", Value: "error"},
		{Key: "code", Value: code},
		{Key: "description", Value: description},
	}
	var (
		p   *OutboundPacket
		err error
	)
	if r.kind == requestPublish {
		p, err = s.command(r.streamID, "onStatus", 0.0, nil, info)
	} else {
		p, err = s.command(0, "_error", r.transactionID, nil, info)
	}
	if err != nil {
		return nil, err
	}
	return []Result{p}, nil
}
