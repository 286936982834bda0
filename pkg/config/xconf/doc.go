// Package xconf 基于 koanf 加载 YAML/JSON 配置。
//
// 用法：
//
//	cfg, err := xconf.New("/etc/xindexer/config.yaml")
//	var app AppConfig
//	err = cfg.Unmarshal("", &app)
//
// Watch 监听文件变更并在防抖后自动 Reload，xindexer 用它热更新日志级别。
// 监听的是所在目录而不是文件本身，以兼容编辑器与 ConfigMap 的原子替换写法。
package xconf
