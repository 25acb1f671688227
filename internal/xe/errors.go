package xe

import "github.com/go-orz/orz"

var (
	ErrInvalidParams    = orz.NewError(10400, "参数无效")
	ErrRuleNotFound     = orz.NewError(10404, "定价规则不存在")
	ErrPermissionDenied = orz.NewError(10401, "您没有权限查看/修改/删除此数据")

	ErrEmptyPriorityList  = orz.NewError(10100, "商家优先级列表不能为空")
	ErrNoSelectedAssets   = orz.NewError(10101, "至少需要选择一个币种")
	ErrMissingAssetConfig = orz.NewError(10102, "存在未配置广告的币种")
	ErrOrphanAssetConfig  = orz.NewError(10103, "存在未选中币种的多余配置")
	ErrDuplicateAdNumber  = orz.NewError(10104, "同一币种下的广告编号不能重复")
	ErrIntervalTooSmall   = orz.NewError(10105, "检查间隔小于允许的最小值")
	ErrInvalidBounds      = orz.NewError(10106, "价格下限不能高于上限")
	ErrInvalidActiveHours = orz.NewError(10107, "活跃时段格式不正确，应为 HH:MM")
	ErrRuleRunning        = orz.NewError(10108, "规则正在执行中，请稍后再试")
)
