package main

import (
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"owctester"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: owctester.TesterModel},
		resource.APIModel{API: sensor.API, Model: owctester.TelemetryModel},
	)
}
