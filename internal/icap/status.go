package icap

const Version = "ICAP/1.0"

const (
	StatusContinue          = 100
	StatusOK                = 200
	StatusNoContent         = 204
	StatusBadRequest        = 400
	StatusNotFound          = 404
	StatusServerError       = 500
	StatusServiceOverloaded = 503
	StatusServiceTimeout    = 504
)

var statusText = map[int]string{
	StatusContinue:          "Continue",
	StatusOK:                "OK",
	StatusNoContent:         "No Content",
	StatusBadRequest:        "Bad Request",
	StatusNotFound:          "ICAP Service Not Found",
	StatusServerError:       "Server Error",
	StatusServiceOverloaded: "Service Overloaded",
	StatusServiceTimeout:    "Service Timeout",
}

func StatusText(code int) string {
	return statusText[code]
}
