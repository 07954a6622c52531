package stage

// Health summarizes the readiness of a stage handler or shared dependency.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// FromError returns Healthy when err is nil and Unhealthy otherwise.
func FromError(name string, err error) Health {
	if err != nil {
		return Unhealthy(name, err.Error())
	}
	return Healthy(name)
}
