package runner

// NewJSONRunner builds a Runner whose encode/decode hooks are identity
// functions, for the common case where UserRequest/UserResult are
// already the shape that should be JSON-marshaled into the Driver.
func NewJSONRunner[UserRequest, UserResult any](cfg Config[UserRequest, UserResult, UserRequest, UserResult]) *Runner[UserRequest, UserResult, UserRequest, UserResult] {
	if cfg.EncodeRequest == nil {
		cfg.EncodeRequest = func(r UserRequest) (UserRequest, error) { return r, nil }
	}
	if cfg.DecodeRequest == nil {
		cfg.DecodeRequest = func(r UserRequest) (UserRequest, error) { return r, nil }
	}
	if cfg.EncodeResponse == nil {
		cfg.EncodeResponse = func(r UserResult) (UserResult, error) { return r, nil }
	}
	if cfg.DecodeResponse == nil {
		cfg.DecodeResponse = func(r UserResult) (UserResult, error) { return r, nil }
	}
	return New(cfg)
}
