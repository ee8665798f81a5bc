package profile

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/svanichkin/go-reticulum/rns"
)

// resourceResponse is the unified shape of either an inline map-based
// response or a resource-transferred payload, for the two request
// kinds (avatar, attachment) that share this request/resource dance.
type resourceResponse struct {
	hashHex    string
	data       []byte
	mime       string
	name       string
	unchanged  bool
	notPresent bool
}

// requestViaLink opens a short-lived link to outDest, identifies with
// our own identity, and issues a single request at reqPath carrying
// knownHash as "h" when it is non-empty (the cached avatar hash for
// avatar requests, the wanted attachment hash for attachment
// requests), waiting for either an inline map response or a concluded
// resource transfer.
func (m *Manager) requestViaLink(outDest *rns.Destination, reqPath string, knownHash []byte, expectedKind string, timeout time.Duration) (resourceResponse, error) {
	if outDest == nil {
		return resourceResponse{}, errors.New("profile: nil destination")
	}

	established := make(chan struct{})
	closed := make(chan struct{})
	link, err := rns.NewOutgoingLink(outDest, -1, func(*rns.Link) {
		select {
		case <-established:
		default:
			close(established)
		}
	}, func(*rns.Link) {
		select {
		case <-closed:
		default:
			close(closed)
		}
	})
	if err != nil {
		return resourceResponse{}, fmt.Errorf("profile: open link: %w", err)
	}
	defer link.Teardown()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-established:
	case <-closed:
		return resourceResponse{}, errors.New("profile: link closed before establishment")
	case <-deadline.C:
		return resourceResponse{}, errors.New("profile: timeout establishing link")
	}

	link.Identify(m.core.Identity())

	req := map[any]any{}
	if len(knownHash) > 0 {
		req["h"] = knownHash
	}

	respCh := make(chan any, 1)
	failCh := make(chan struct{}, 1)
	resCh := make(chan *rns.Resource, 1)
	link.SetResourceStrategy(rns.LinkAcceptAll)
	link.SetResourceConcludedCallback(func(res *rns.Resource) {
		select {
		case resCh <- res:
		default:
		}
	})
	rr := link.Request(
		reqPath,
		req,
		func(rr *rns.RequestReceipt) { respCh <- rr.Response() },
		func(rr *rns.RequestReceipt) { failCh <- struct{}{} },
		nil,
		timeout.Seconds(),
	)
	if rr == nil {
		return resourceResponse{}, errors.New("profile: failed to send request")
	}

	var out resourceResponse
	for {
		select {
		case resp := <-respCh:
			switch v := resp.(type) {
			case map[any]any:
				ok, _ := v["ok"].(bool)
				if !ok {
					return resourceResponse{notPresent: true}, nil
				}
				out.unchanged, _ = v["unchanged"].(bool)
				if hv, ok := v["h"].([]byte); ok {
					out.hashHex = hex.EncodeToString(hv)
				}
				if tv, ok := v["t"].(string); ok {
					out.mime = tv
				}
				if nv, ok := v["n"].(string); ok {
					out.name = nv
				}
				if out.unchanged {
					return out, nil
				}
				if resource, _ := v["resource"].(bool); !resource {
					// Handler answered inline without queueing a resource transfer.
					return out, nil
				}
			case []byte:
				out.data = v
				return out, nil
			default:
				return resourceResponse{}, errors.New("profile: unexpected response type")
			}
		case res := <-resCh:
			if res == nil {
				return resourceResponse{}, errors.New("profile: resource nil")
			}
			if res.Status() != rns.ResourceComplete {
				return resourceResponse{}, errors.New("profile: resource transfer failed")
			}
			meta := res.Metadata()
			if kind, _ := meta["kind"].(string); kind != "" && kind != expectedKind {
				return resourceResponse{}, fmt.Errorf("profile: unexpected resource kind %q", kind)
			}
			if tv, ok := meta["t"].(string); ok && tv != "" {
				out.mime = tv
			}
			if nv, ok := meta["n"].(string); ok && nv != "" {
				out.name = sanitizeAttachmentName(nv)
			}
			data, err := os.ReadFile(res.DataFile())
			if err != nil {
				return resourceResponse{}, fmt.Errorf("profile: read resource: %w", err)
			}
			out.data = data
			return out, nil
		case <-failCh:
			return resourceResponse{}, errors.New("profile: request failed")
		case <-deadline.C:
			return resourceResponse{}, errors.New("profile: request timeout")
		}
	}
}
