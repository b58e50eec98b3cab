package server

import (
	"encoding/json"
	"io"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

func fromJSON(i interface{}, r io.Reader) error {
	d := json.NewDecoder(r)
	return d.Decode(i)
}

type StartExperimentResponse struct {
	RunId string `json:"runId"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
