package domain

// ImageFile 描述一次扫描得到的源图片（只做 stat，不读内容）。
//
// 不变量：
// - AbsPath 必须是 clean + absolute
// - Base 不含扩展名，用于推导输出文件名
type ImageFile struct {
	AbsPath string
	Base    string // filename without ext
	Ext     string // 小写，例如 ".jpg"
	Size    int64
}
