package domain

// ScanFile 是目录发现阶段得到的一个候选数据文件（只做 stat，不读内容）。
type ScanFile struct {
	AbsPath string
	RelPath string
	Base    string // 不含扩展名
	Ext     string // 统一小写，如 ".txt"

	Size    int64
	ModUnix int64
}
