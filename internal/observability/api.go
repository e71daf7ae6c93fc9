package observability

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"schedcore/internal/scheduler"
	"schedcore/internal/storage"
	"schedcore/internal/template"
	logx "schedcore/pkg/logx"
)

// Templates resolves template stores by name.
type Templates interface {
	TemplateNames() []string
	Template(name string) (*template.Store[string], bool)
}

// Schedules lists the running schedulers.
type Schedules interface {
	Snapshots() []scheduler.Snapshot
}

type History = storage.History

const (
	maxBody      = 1 << 20
	defaultLimit = 50
	maxLimit     = 1000
)

// TemplateView is the JSON shape of one template store.
type TemplateView struct {
	Name     string                       `json:"name"`
	Revision uint64                       `json:"revision"`
	Days     map[string]map[string]string `json:"days"`
}

func viewOf(st *template.Store[string]) TemplateView {
	v := TemplateView{Name: st.Name(), Revision: st.Revision(), Days: map[string]map[string]string{}}
	for _, r := range st.Records() {
		k := r.Day.String()
		if v.Days[k] == nil {
			v.Days[k] = map[string]string{}
		}
		v.Days[k][r.At.String()] = r.Value
	}
	return v
}

func (s *Service) mountAPI(r chi.Router) {
	if s.deps.Templates != nil {
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.listTemplates)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getTemplate)
				r.Put("/{day}", s.replaceDay)
				r.Delete("/{day}", s.resetDay)
				r.Post("/{day}/{time}", s.putValue)
				r.Delete("/{day}/{time}", s.removeValue)
			})
		})
	}
	if s.deps.Schedules != nil {
		r.Get("/schedules", func(w http.ResponseWriter, r *http.Request) {
			snaps := s.deps.Schedules.Snapshots()
			sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
			writeJSON(w, http.StatusOK, snaps)
		})
		r.Get("/schedules/{name}/firings", s.firings)
	}
}

func (s *Service) listTemplates(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Templates.TemplateNames()
	sort.Strings(names)
	out := make([]TemplateView, 0, len(names))
	for _, n := range names {
		if st, ok := s.deps.Templates.Template(n); ok {
			out = append(out, viewOf(st))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) store(w http.ResponseWriter, r *http.Request) (*template.Store[string], bool) {
	name := chi.URLParam(r, "name")
	st, ok := s.deps.Templates.Template(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown template "+strconv.Quote(name))
	}
	return st, ok
}

// key resolves the store plus the {day} and, when present, {time} params.
func (s *Service) key(w http.ResponseWriter, r *http.Request) (*template.Store[string], template.Day, template.TimeOfDay, bool) {
	st, ok := s.store(w, r)
	if !ok {
		return nil, 0, 0, false
	}
	d, err := template.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, 0, 0, false
	}
	var at template.TimeOfDay
	if raw := chi.URLParam(r, "time"); raw != "" {
		if at, err = template.ParseTimeOfDay(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, 0, 0, false
		}
	}
	return st, d, at, true
}

func (s *Service) getTemplate(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.store(w, r); ok {
		writeJSON(w, http.StatusOK, viewOf(st))
	}
}

// replaceDay takes {"HH:MM": "value", ...} and swaps the whole day.
func (s *Service) replaceDay(w http.ResponseWriter, r *http.Request) {
	st, d, _, ok := s.key(w, r)
	if !ok {
		return
	}
	var body map[string]string
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	values := make(map[template.TimeOfDay]string, len(body))
	for k, v := range body {
		at, err := template.ParseTimeOfDay(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		values[at] = v
	}
	if err := st.Replace(d, values); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("template day replaced via api", logx.String("template", st.Name()), logx.String("day", d.String()))
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Service) resetDay(w http.ResponseWriter, r *http.Request) {
	st, d, _, ok := s.key(w, r)
	if !ok {
		return
	}
	st.Reset(d)
	s.log.Info("template day cleared via api", logx.String("template", st.Name()), logx.String("day", d.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) putValue(w http.ResponseWriter, r *http.Request) {
	st, d, at, ok := s.key(w, r)
	if !ok {
		return
	}
	var body struct {
		Value *string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := st.Put(d, at, *body.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Service) removeValue(w http.ResponseWriter, r *http.Request) {
	st, d, at, ok := s.key(w, r)
	if !ok {
		return
	}
	if !st.Remove(d, at) {
		writeError(w, http.StatusNotFound, "no value at "+d.String()+" "+at.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) firings(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "storage driver keeps no firing history")
		return
	}
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	got, err := s.deps.History.RecentFirings(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		s.log.Warn("firing history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if got == nil {
		got = []storage.FiringEntry{}
	}
	writeJSON(w, http.StatusOK, got)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
