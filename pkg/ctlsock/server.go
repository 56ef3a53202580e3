package ctlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	vcmmderrno "github.com/OpenVZ/vcmmd/pkg/errno"
	"github.com/OpenVZ/vcmmd/pkg/loadmgr"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// Server listens on a Unix domain socket and dispatches incoming
// requests to a LoadManager.
type Server struct {
	lm  *loadmgr.LoadManager
	log *logrus.Entry

	ln net.Listener
}

// NewServer binds a Unix domain socket at path, removing any stale
// socket file left behind by a previous run.
func NewServer(path string, lm *loadmgr.LoadManager, log *logrus.Entry) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{
		lm:  lm,
		log: log.WithField("component", "ctlsock"),
		ln:  ln,
	}, nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed by Close.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: &RPCError{Code: int(vcmmderrno.InvalidVEConfig), Message: "malformed request: " + err.Error()}})
			continue
		}

		resp := s.dispatch(req)
		resp.ID = req.ID
		if err := enc.Encode(resp); err != nil {
			s.log.WithError(err).Warn("failed to write ctlsock response")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Debug("ctlsock connection read error")
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodListVEs:
		return s.handleList()
	case MethodGetVE:
		return s.handleGet(req.Params)
	case MethodUpdateVE:
		return s.handleUpdate(req.Params)
	case MethodDeactivateVE:
		return s.handleDeactivate(req.Params)
	case MethodUnregisterVE:
		return s.handleUnregister(req.Params)
	case MethodMetrics:
		return s.handleMetrics()
	default:
		return errResponse(vcmmderrno.InvalidVEConfig, "unknown method "+req.Method)
	}
}

func (s *Server) handleList() Response {
	ves := s.lm.GetAllRegisteredVEs()
	out := make([]VEInfoResult, 0, len(ves))
	for _, v := range ves {
		out = append(out, toVEInfoResult(v))
	}
	return okResponse(out)
}

func (s *Server) handleGet(raw json.RawMessage) Response {
	var p NameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errResponse(vcmmderrno.InvalidVEName, err.Error())
	}
	info, ok := s.lm.GetVE(p.Name)
	if !ok {
		return errResponse(vcmmderrno.VENotRegistered, p.Name)
	}
	return okResponse(toVEInfoResult(info))
}

func (s *Server) handleUpdate(raw json.RawMessage) Response {
	var p UpdateVEParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errResponse(vcmmderrno.InvalidVEConfig, err.Error())
	}
	cfg := veconfig.Config{Guarantee: p.Guarantee, Limit: p.Limit, Swap: p.Swap}
	if err := s.lm.UpdateVE(p.Name, cfg, p.Force); err != nil {
		return errResponseFromErr(err)
	}
	return okResponse(nil)
}

func (s *Server) handleDeactivate(raw json.RawMessage) Response {
	var p NameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errResponse(vcmmderrno.InvalidVEName, err.Error())
	}
	if err := s.lm.DeactivateVE(p.Name); err != nil {
		return errResponseFromErr(err)
	}
	return okResponse(nil)
}

func (s *Server) handleUnregister(raw json.RawMessage) Response {
	var p NameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return errResponse(vcmmderrno.InvalidVEName, err.Error())
	}
	if err := s.lm.UnregisterVE(p.Name); err != nil {
		return errResponseFromErr(err)
	}
	return okResponse(nil)
}

func (s *Server) handleMetrics() Response {
	m := s.lm.Metrics()
	if m == nil {
		return okResponse(nil)
	}
	return okResponse(m.GetSnapshot())
}

func toVEInfoResult(v loadmgr.VEInfo) VEInfoResult {
	return VEInfoResult{
		Name:      v.Name,
		Type:      int(v.Type),
		Active:    v.Active,
		Guarantee: v.Config.Guarantee,
		Limit:     v.Config.Limit,
		Swap:      v.Config.Swap,
	}
}

func okResponse(v interface{}) Response {
	if v == nil {
		return Response{Result: json.RawMessage("null")}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errResponse(vcmmderrno.VEOperationFailed, err.Error())
	}
	return Response{Result: raw}
}

func errResponse(code vcmmderrno.Code, msg string) Response {
	return Response{Error: &RPCError{Code: int(code), Message: msg}}
}

func errResponseFromErr(err error) Response {
	return errResponse(vcmmderrno.CodeOf(err), err.Error())
}
