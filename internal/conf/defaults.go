// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "orgseg")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "orgseg.log")
	viper.SetDefault("main.log.maxsizemb", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxagedays", 28)

	viper.SetDefault("project.basepath", ".")
	viper.SetDefault("project.datadir", "Data")
	viper.SetDefault("project.labelsdir", "Labels")
	viper.SetDefault("project.croppeddir", "Cropped")
	viper.SetDefault("project.modelsdir", "Models")

	viper.SetDefault("model.checkpoint", "organoid_seg_vit_b.tflite")
	viper.SetDefault("model.device", "auto")
	viper.SetDefault("model.threads", 0)
	viper.SetDefault("model.pointsperside", 32)

	viper.SetDefault("segmentation.threshold", 128)
	viper.SetDefault("segmentation.mincomponentarea", 64)
	viper.SetDefault("segmentation.tiepolicy", "first")
}
