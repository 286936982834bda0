// Package util 提供通用工具相关的子包。
//
// 子包列表：
//   - xpool: 泛型 work-stealing 线程池，任务可在执行中继续派生任务
package util
