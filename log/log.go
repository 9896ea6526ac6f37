package log

import (
	"log"
)

var (
	logger DexLogger
)

type DexLogger interface {
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

func SetLogger(dexLogger DexLogger) {
	logger = dexLogger
}

func Infof(format string, v ...interface{}) {
	if logger != nil {
		logger.Infof(format, v...)
	} else {
		log.Printf("[INFO] "+format, v...)
	}
}

func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	} else {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if logger != nil {
		logger.Warnf(format, v...)
	} else {
		log.Printf("[WARN] "+format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if logger != nil {
		logger.Errorf(format, v...)
	} else {
		log.Printf("[ERROR] "+format, v...)
	}
}
