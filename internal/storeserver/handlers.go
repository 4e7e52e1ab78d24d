package storeserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"fleetd/internal/objects"
	"fleetd/internal/storage"
	"fleetd/pkg/logger"
)

// Role selects which of the two API surfaces a router exposes. The
// external surface serves operators and tools, the controller surface is
// private to the dispatcher.
type Role string

const (
	RoleExternal   Role = "external"
	RoleController Role = "controller"
)

// maxBodyBytes caps request bodies. Mission trees are small, anything
// close to this limit is garbage.
const maxBodyBytes = 1 << 20

type handler struct {
	db   *storage.DB
	hub  *Hub
	role Role
}

func newHandler(db *storage.DB, hub *Hub, role Role) *handler {
	return &handler{db: db, hub: hub, role: role}
}

// routes registers the API onto a router. The watch route is registered
// before the name route so the "watch" segment is never taken for an
// object name.
func (h *handler) routes(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/{kind}/watch", h.watch).Methods(http.MethodGet)
	api.HandleFunc("/{kind}", h.list).Methods(http.MethodGet)
	api.HandleFunc("/{kind}", h.create).Methods(http.MethodPost)
	api.HandleFunc("/{kind}/{name}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{kind}/{name}", h.update).Methods(http.MethodPut)
	api.HandleFunc("/{kind}/{name}", h.delete).Methods(http.MethodDelete)
	if h.role == RoleExternal {
		api.HandleFunc("/{kind}/{name}/{method}", h.method).Methods(http.MethodPost)
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]string{"status": "Mission Dispatch: Running"})
}

// kindInfo resolves the {kind} path segment. On failure the 404 has
// already been written.
func (h *handler) kindInfo(w http.ResponseWriter, r *http.Request) (objects.KindInfo, bool) {
	kind := objects.Kind(mux.Vars(r)["kind"])
	info, ok := objects.Lookup(kind)
	if !ok {
		SendDetail(w, http.StatusNotFound, fmt.Sprintf("Unknown kind %q", kind))
	}
	return info, ok
}

func publisherID(r *http.Request) string {
	return r.URL.Query().Get("publisher_id")
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, objects.NewUsageError("Cannot read request body: %v", err)
	}
	return body, nil
}

// combineRecord reassembles a wire object from its stored parts.
func combineRecord(info objects.KindInfo, rec *storage.Record) (objects.Object, error) {
	obj := info.New()
	err := objects.CombineObject(obj, rec.Name, objects.Lifecycle(rec.Lifecycle), rec.Spec, rec.Status)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// load fetches one object by name.
func (h *handler) load(info objects.KindInfo, name string) (objects.Object, error) {
	rec, err := h.db.GetObject(info.Kind, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, objects.NewNotFoundError(info.Kind, name)
	}
	if err != nil {
		return nil, err
	}
	return combineRecord(info, rec)
}

// publish fans the current wire form of obj out to watchers. Events
// carry the publisher id so the writer does not hear its own echo.
func (h *handler) publish(obj objects.Object, publisher string) {
	data, err := json.Marshal(obj)
	if err != nil {
		logger.Error().Err(err).
			Str("kind", string(obj.GetKind())).
			Str("name", obj.GetName()).
			Msg("Failed to encode watch event")
		return
	}
	h.hub.Publish(obj.GetKind(), publisher, data)
}

// createMeta carries the naming fields of a create request. Every other
// key belongs to the spec.
type createMeta struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		SendError(w, err)
		return
	}

	var meta createMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if meta.Name != "" && meta.Prefix != "" {
		SendDetail(w, http.StatusBadRequest, `Cannot have both "name" and "prefix"`)
		return
	}
	name := meta.Name
	if name == "" {
		name = objects.GenerateName()
		if meta.Prefix != "" {
			name = meta.Prefix + "-" + name
		}
	}

	// Callers may only submit a spec. Naming fields are handled above and
	// status and lifecycle always start fresh.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	delete(fields, "name")
	delete(fields, "prefix")
	delete(fields, "status")
	delete(fields, "lifecycle")
	specBody, err := json.Marshal(fields)
	if err != nil {
		SendError(w, err)
		return
	}

	obj := info.New()
	if err := json.Unmarshal(specBody, obj); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s spec: %v", info.Kind, err))
		return
	}
	obj.SetName(name)
	obj.SetLifecycle(objects.LifecycleAlive)
	objects.Normalize(obj)
	if err := obj.Validate(); err != nil {
		SendError(w, err)
		return
	}

	spec, status, err := objects.SplitObject(obj)
	if err != nil {
		SendError(w, err)
		return
	}
	rec := &storage.Record{
		Name:      name,
		Lifecycle: string(objects.LifecycleAlive),
		Spec:      spec,
		Status:    status,
	}
	if err := h.db.CreateObject(info.Kind, rec); err != nil {
		if errors.Is(err, storage.ErrExists) {
			SendDetail(w, http.StatusConflict, fmt.Sprintf("Object with name %q already exists", name))
			return
		}
		SendError(w, err)
		return
	}
	h.publish(obj, publisherID(r))
	SendJSON(w, http.StatusOK, obj)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	params := r.URL.Query()
	params.Del("publisher_id")
	recs, err := h.db.ListObjects(info.Kind, params)
	if err != nil {
		SendError(w, err)
		return
	}
	out := make([]objects.Object, 0, len(recs))
	for _, rec := range recs {
		obj, err := combineRecord(info, rec)
		if err != nil {
			SendError(w, err)
			return
		}
		out = append(out, obj)
	}
	SendJSON(w, http.StatusOK, out)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	obj, err := h.load(info, mux.Vars(r)["name"])
	if err != nil {
		SendError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, obj)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	body, err := readBody(r)
	if err != nil {
		SendError(w, err)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if h.role == RoleController {
		h.updateStatus(w, r, info, name, fields)
		return
	}
	h.updateSpec(w, r, info, name, fields)
}

// updateSpec replaces the spec of an object through the external API.
// The stored status is kept as is.
func (h *handler) updateSpec(w http.ResponseWriter, r *http.Request, info objects.KindInfo,
	name string, fields map[string]json.RawMessage) {
	if !info.SupportsSpecUpdate {
		SendDetail(w, http.StatusBadRequest,
			fmt.Sprintf("Kind %s does not support spec updates", info.Kind))
		return
	}
	if _, found := fields["status"]; found {
		SendDetail(w, http.StatusBadRequest,
			`Cannot update "status" with the external API. This can only be done from the controller API.`)
		return
	}
	delete(fields, "name")
	delete(fields, "lifecycle")
	specBody, err := json.Marshal(fields)
	if err != nil {
		SendError(w, err)
		return
	}

	rec, err := h.db.GetObject(info.Kind, name)
	if errors.Is(err, storage.ErrNotFound) {
		SendError(w, objects.NewNotFoundError(info.Kind, name))
		return
	}
	if err != nil {
		SendError(w, err)
		return
	}

	obj := info.New()
	if err := objects.CombineObject(obj, name, objects.Lifecycle(rec.Lifecycle), specBody, rec.Status); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s spec: %v", info.Kind, err))
		return
	}
	if err := obj.Validate(); err != nil {
		SendError(w, err)
		return
	}
	spec, _, err := objects.SplitObject(obj)
	if err != nil {
		SendError(w, err)
		return
	}
	if err := h.persistSpec(info.Kind, name, spec); err != nil {
		SendError(w, err)
		return
	}
	h.publish(obj, publisherID(r))
	SendJSON(w, http.StatusOK, obj)
}

// updateStatus replaces the status of an object through the controller
// API. Spec keys in the body are rejected so the dispatcher can never
// fight the operator over the spec.
func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request, info objects.KindInfo,
	name string, fields map[string]json.RawMessage) {
	var extras []string
	for key := range fields {
		if key != "status" {
			extras = append(extras, key)
		}
	}
	if len(extras) > 0 {
		sort.Strings(extras)
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf(
			"Cannot update keys [%s] with the controller API. This can only be done from the external API.",
			strings.Join(extras, " ")))
		return
	}
	statusRaw, found := fields["status"]
	if !found {
		SendDetail(w, http.StatusBadRequest, `Request body must carry a "status" object`)
		return
	}

	rec, err := h.db.GetObject(info.Kind, name)
	if errors.Is(err, storage.ErrNotFound) {
		SendError(w, objects.NewNotFoundError(info.Kind, name))
		return
	}
	if err != nil {
		SendError(w, err)
		return
	}

	obj := info.New()
	if err := objects.CombineObject(obj, name, objects.Lifecycle(rec.Lifecycle), rec.Spec, statusRaw); err != nil {
		SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s status: %v", info.Kind, err))
		return
	}
	_, status, err := objects.SplitObject(obj)
	if err != nil {
		SendError(w, err)
		return
	}
	if err := h.db.UpdateObjectStatus(info.Kind, name, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = objects.NewNotFoundError(info.Kind, name)
		}
		SendError(w, err)
		return
	}
	h.publish(obj, publisherID(r))
	SendJSON(w, http.StatusOK, obj)
}

func (h *handler) persistSpec(kind objects.Kind, name string, spec json.RawMessage) error {
	err := h.db.UpdateObjectSpec(kind, name, spec)
	if errors.Is(err, storage.ErrNotFound) {
		return objects.NewNotFoundError(kind, name)
	}
	return err
}

// delete is a soft delete on the external API and a hard delete on the
// controller API. The dispatcher owns the transition between the two.
func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]

	if h.role == RoleController {
		if err := h.db.DeleteObject(info.Kind, name); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = objects.NewNotFoundError(info.Kind, name)
			}
			SendError(w, err)
			return
		}
		// Watchers still need to hear about rows that are gone, so the
		// event carries a default object marked DELETED.
		obj := info.Default(name)
		obj.SetLifecycle(objects.LifecycleDeleted)
		h.publish(obj, publisherID(r))
		SendDetail(w, http.StatusOK, fmt.Sprintf("Object with name %q deleted", name))
		return
	}

	rec, err := h.db.GetObject(info.Kind, name)
	if errors.Is(err, storage.ErrNotFound) {
		SendError(w, objects.NewNotFoundError(info.Kind, name))
		return
	}
	if err != nil {
		SendError(w, err)
		return
	}
	if err := h.db.UpdateObjectLifecycle(info.Kind, name, objects.LifecyclePendingDelete); err != nil {
		SendError(w, err)
		return
	}
	obj := info.New()
	if err := objects.CombineObject(obj, name, objects.LifecyclePendingDelete, rec.Spec, rec.Status); err != nil {
		SendError(w, err)
		return
	}
	h.publish(obj, publisherID(r))
	SendDetail(w, http.StatusOK, fmt.Sprintf("Object with name %q will be deleted", name))
}

// method runs one of the named spec mutating endpoints, for example
// mission cancel. The mutation lands in the spec column and watchers are
// notified, the dispatcher picks it up from there.
func (h *handler) method(w http.ResponseWriter, r *http.Request) {
	info, ok := h.kindInfo(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	name, methodName := vars["name"], vars["method"]

	supported := false
	for _, m := range info.Methods {
		if m == methodName {
			supported = true
			break
		}
	}
	if !supported {
		SendDetail(w, http.StatusNotFound,
			fmt.Sprintf("Kind %s has no method %q", info.Kind, methodName))
		return
	}

	obj, err := h.load(info, name)
	if err != nil {
		SendError(w, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		SendError(w, err)
		return
	}

	var detail string
	switch {
	case info.Kind == objects.KindMission && methodName == "cancel":
		detail, err = obj.(*objects.Mission).Cancel()
	case info.Kind == objects.KindMission && methodName == "update":
		var nodes map[string]objects.RouteNode
		if err := json.Unmarshal(body, &nodes); err != nil {
			SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid route update: %v", err))
			return
		}
		err = obj.(*objects.Mission).UpdateRoutes(nodes)
		detail = fmt.Sprintf("Mission %s routes will be updated.", name)
	case info.Kind == objects.KindRobot && methodName == "teleop":
		var params struct {
			Action objects.TeleopAction `json:"action"`
		}
		if err := json.Unmarshal(body, &params); err != nil {
			SendDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid teleop request: %v", err))
			return
		}
		err = obj.(*objects.Robot).Teleop(params.Action)
		detail = fmt.Sprintf("Robot %s teleop set to %s.", name, params.Action)
	default:
		SendDetail(w, http.StatusNotFound,
			fmt.Sprintf("Kind %s has no method %q", info.Kind, methodName))
		return
	}
	if err != nil {
		SendError(w, err)
		return
	}

	spec, _, err := objects.SplitObject(obj)
	if err != nil {
		SendError(w, err)
		return
	}
	if err := h.persistSpec(info.Kind, name, spec); err != nil {
		SendError(w, err)
		return
	}
	h.publish(obj, publisherID(r))
	SendDetail(w, http.StatusOK, detail)
}
