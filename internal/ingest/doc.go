// Package ingest 定义索引流水线的消息类型与外部协作方契约。
//
// 持久化（Writer）、搜索索引（SearchDispatcher）、链下元数据抓取（Fetcher）
// 都只以接口出现，具体实现由部署方提供。这里附带的默认实现用于单机运行与测试：
//   - MemoryWriter 按 (slot, write_version) 做最后写入胜出，LRU 限制容量
//   - LogDispatcher 只记录日志
//   - HTTPFetcher 通过 HTTP GET 抓取 JSON
//
// Pipeline 把这些协作方组合成队列处理函数。处理顺序由 Writer 的版本比较保证，
// 而不是依赖消费顺序。
package ingest
