package types

// AttrKey 屬性鍵
type AttrKey string

// 常用屬性鍵
const (
	AttrFailNotified   AttrKey = "fail-notified"    // job: 已送出失敗報告
	AttrNumNonzeroExit AttrKey = "num-nonzero-exit" // job: 非零結束的行程數
	AttrContinuousOp   AttrKey = "continuous-op"    // job: 行程失敗後持續運作
	AttrHwtCPUs        AttrKey = "hwt-cpus"         // job: 以 hardware thread 作為 cpu
	AttrCpuset         AttrKey = "cpuset"           // job: cgroup 式 cpu 限制
	AttrDistDevice     AttrKey = "dist-device"      // job: mindist 目標裝置
	AttrPesPerProc     AttrKey = "pes-per-proc"     // job: 每個行程佔用的 cpu 數
	AttrCPUList        AttrKey = "cpu-list"         // job: by-cpulist 使用的 cpu 清單
	AttrAbortedProc    AttrKey = "aborted-proc"     // job: 觸發 abort 的行程
	AttrPriorNode      AttrKey = "prior-node"       // proc: 重啟前所在節點
	AttrLocale         AttrKey = "locale"           // proc: 節點內位置 (e.g. NUMA region)
	AttrSpawnSource    AttrKey = "spawn-source"     // job: 發起 spawn 的位址
	AttrRestarts       AttrKey = "restarts"         // proc: 已重新啟動的次數
)

// Attributes 小型的 key/typed-value 清單
type Attributes map[AttrKey]any

// Set 設定屬性值
func (a *Attributes) Set(key AttrKey, value any) {
	if *a == nil {
		*a = make(Attributes)
	}
	(*a)[key] = value
}

// Delete 移除屬性
func (a Attributes) Delete(key AttrKey) {
	delete(a, key)
}

// Has reports whether key is present.
func (a Attributes) Has(key AttrKey) bool {
	_, ok := a[key]
	return ok
}

// GetBool 布林屬性；不存在時為 false
func (a Attributes) GetBool(key AttrKey) bool {
	v, _ := a[key].(bool)
	return v
}

// GetInt 整數屬性
func (a Attributes) GetInt(key AttrKey) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		// JSON 解碼後的數值
		return int(v), true
	}
	return 0, false
}

// GetString 字串屬性
func (a Attributes) GetString(key AttrKey) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// GetNode 節點 handle 屬性
func (a Attributes) GetNode(key AttrKey) (NodeHandle, bool) {
	v, ok := a[key].(NodeHandle)
	return v, ok
}

// GetProcName 行程名稱屬性
func (a Attributes) GetProcName(key AttrKey) (ProcName, bool) {
	v, ok := a[key].(ProcName)
	return v, ok
}

// Incr 將整數屬性加一並回傳新值
func (a *Attributes) Incr(key AttrKey) int {
	n, _ := (*a).GetInt(key)
	n++
	a.Set(key, n)
	return n
}
