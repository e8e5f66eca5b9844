package api

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/marmos91/oig-proxy/internal/control"
	"github.com/marmos91/oig-proxy/internal/errs"
)

var validate = validator.New()

// Submitter is the subset of *control.Pipeline the HTTP wrapper depends on.
type Submitter interface {
	Submit(req control.Request) error
}

type handler struct {
	pipeline Submitter
	health   HealthProvider
}

type healthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	ok, detail := h.health.Healthy()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Detail: detail})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Detail: detail})
}

// settingRequest is the JSON shape of POST /api/setting. Confirm is
// decoded but discarded before reaching the pipeline: only "New"/"Saved"
// are ever seen in practice and neither is documented to change behavior.
type settingRequest struct {
	TxID     string `json:"tx_id" validate:"omitempty"`
	TblName  string `json:"tbl_name" validate:"required"`
	TblItem  string `json:"tbl_item" validate:"required"`
	NewValue string `json:"new_value" validate:"required"`
	Confirm  string `json:"confirm,omitempty"`
}

// settingXML is the minimal XML snippet form accepted as an alternative
// to JSON: <TblName><TblItem><NewValue><Confirm>.
type settingXML struct {
	XMLName  xml.Name `xml:"Setting"`
	TblName  string   `xml:"TblName"`
	TblItem  string   `xml:"TblItem"`
	NewValue string   `xml:"NewValue"`
	Confirm  string   `xml:"Confirm"`
}

func (h *handler) postSetting(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		badRequest(w, "could not read request body")
		return
	}

	req, err := decodeSettingRequest(r.Header.Get("Content-Type"), body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		badRequest(w, "tbl_name, tbl_item, and new_value are required: "+err.Error())
		return
	}
	if req.TxID == "" {
		req.TxID = uuid.NewString()
	}

	err = h.pipeline.Submit(control.Request{
		TxID:     req.TxID,
		Table:    req.TblName,
		Item:     req.TblItem,
		NewValue: req.NewValue,
	})
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"tx_id": req.TxID, "status": "accepted"})
		return
	}

	switch errs.CodeOf(err) {
	case errs.ErrNotAllowed, errs.ErrBadValue:
		badRequest(w, err.Error())
	case errs.ErrSuperseded:
		conflict(w, err.Error())
	default:
		internalServerError(w, err.Error())
	}
}

func decodeSettingRequest(contentType string, body []byte) (settingRequest, error) {
	if strings.Contains(contentType, "xml") || strings.HasPrefix(strings.TrimSpace(string(body)), "<") {
		var x settingXML
		if err := xml.Unmarshal(body, &x); err != nil {
			return settingRequest{}, err
		}
		return settingRequest{TblName: x.TblName, TblItem: x.TblItem, NewValue: x.NewValue, Confirm: x.Confirm}, nil
	}

	var req settingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return settingRequest{}, err
	}
	return req, nil
}
