// Package factory provides a small generic registry used to build pluggable
// modules, such as metrics sinks, from configuration. A module is a type
// name plus a map of raw settings that the factory decodes into a typed
// struct.
//
//	reg := factory.NewRegistry[metrics.MetricsSink]()
//	reg.Register("influx", func(conf map[string]any) (metrics.MetricsSink, error) {
//	    var c struct{ URL string `json:"url"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return newInflux(c.URL), nil
//	})
package factory
