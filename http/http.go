// Package http implements the local status page of a swarm.
package http

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"

	"github.com/jech/swarmcore/swarm"
)

// Swarm is the part of a swarm driven by the status page.
type Swarm interface {
	Status(ctx context.Context) (swarm.Status, error)
	SetUploadRate(ctx context.Context, rate float64) error
	SetSuperSeed(ctx context.Context) error
}

type handler struct {
	swarm Swarm
}

func NewHandler(s Swarm) http.Handler {
	return &handler{s}
}

func (handler *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The server is only bound to localhost, but an attacker might be
	// able to cause the user's browser to connect to localhost by
	// manipulating the DNS.  Prevent this by making sure that the
	// browser thinks it's connecting to localhost.
	if host != "localhost" && net.ParseIP(host) == nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	root(handler.swarm, w, r)
}

func root(s Swarm, w http.ResponseWriter, r *http.Request) {
	if r.Method != "HEAD" && r.Method != "GET" && r.Method != "POST" {
		w.Header().Set("allow", "HEAD, GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.Form.Get("q")

	if q == "" {
		if r.Method != "HEAD" && r.Method != "GET" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		status(s, w, r)
		return
	} else if q == "set" {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed",
				http.StatusMethodNotAllowed)
			return
		}
		upload := r.Form.Get("upload")
		if upload != "" {
			v, err := strconv.ParseFloat(upload, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				http.Error(w, "bad upload rate",
					http.StatusBadRequest)
				return
			}
			err = s.SetUploadRate(r.Context(), v)
			if err != nil {
				http.Error(w, err.Error(),
					http.StatusServiceUnavailable)
				return
			}
		}
		if r.Form.Get("super-seed") != "" {
			err = s.SetSuperSeed(r.Context())
			if err != nil {
				http.Error(w, err.Error(),
					http.StatusServiceUnavailable)
				return
			}
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	} else {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
}

func header(w http.ResponseWriter, r *http.Request, title string) bool {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.Header().Set("cache-control", "no-cache")
	if r.Method == "HEAD" {
		return true
	}
	fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head>\n")
	fmt.Fprintf(w, "<title>%v</title>\n", html.EscapeString(title))
	fmt.Fprintf(w, "</head><body>\n")
	return false
}

func footer(w http.ResponseWriter) {
	fmt.Fprintf(w, "</body></html>\n")
}

func status(s Swarm, w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	done := header(w, r, st.InfoHash.String())
	if done {
		return
	}

	fmt.Fprintf(w, "<form action=\"/?q=set\" method=\"post\">Upload: <input type=\"text\" name=\"upload\"/> Super-seed: <input type=\"checkbox\" name=\"super-seed\"/> <input type=\"submit\"/></form>\n")

	mode := ""
	if st.SuperSeed {
		mode = ", super-seeding"
	}
	fmt.Fprintf(w, "<p>%v: %v pieces%v.</p>\n", st.InfoHash, st.NumPieces, mode)
	fmt.Fprintf(w, "<p>Upload %.0f/%.0f (unchoking %v), %v bytes uploaded, %v known peers, ",
		st.UploadRate, st.RateLimit, st.MaxUploads, st.Uploaded, st.Known)
	fmt.Fprintf(w, "%v bytes allocated.</p>\n", st.Allocated)

	ps := slices.Clone(st.Peers)
	slices.SortFunc(ps, func(a, b swarm.PeerStatus) int {
		return bytes.Compare(a.Id[:], b.Id[:])
	})
	fmt.Fprintf(w, "<p><table>\n")
	for _, p := range ps {
		hpeer(w, &p, st.NumPieces)
	}
	fmt.Fprintf(w, "</table></p>\n")

	footer(w)
}

func peerVersion(id []byte, version string) string {
	if version != "" {
		return version
	}
	if len(id) > 7 && id[0] == '-' && id[7] == '-' {
		return string(id[1:7])
	}
	return ""
}

func hpeer(w http.ResponseWriter, p *swarm.PeerStatus, numPieces int) {
	fmt.Fprintf(w, "<tr><td>%v</td>", html.EscapeString(p.Addr))

	var prefix, suffix string
	if p.Choked {
		prefix = "("
		suffix = ")"
	}
	if p.Queued > 0 || !p.Choked {
		fmt.Fprintf(w, "<td>%v%v%v</td>", prefix, p.Queued, suffix)
	} else {
		fmt.Fprintf(w, "<td></td>")
	}

	fmt.Fprintf(w, "<td>%.0f</td>", p.Rate)

	flags := ""
	if !p.Outgoing {
		flags += "I"
	}
	if !p.Choked {
		flags += "U"
	} else if p.Interested {
		flags += "u"
	}
	if p.Snubbed {
		flags += "s"
	}
	if numPieces > 0 && p.Have == numPieces {
		flags += "S"
	}

	fmt.Fprintf(w, "<td>%v/%v</td><td>%v</td>", p.Have, numPieces, flags)
	fmt.Fprintf(w, "<td>%v</td>",
		html.EscapeString(peerVersion(p.Id[:], p.Version)))
	fmt.Fprintf(w, "<td>%v</td></tr>\n", p.Id)
}
