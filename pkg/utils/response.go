package utils

type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics with err so the recovery middleware renders it.
func PanicIfNeeded(err any) {
	if err != nil {
		panic(err)
	}
}
