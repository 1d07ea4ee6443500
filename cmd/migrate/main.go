package main

import (
	"encoding/json"
	"log"
	"os"

	"crewflow/internal/config"
	"crewflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = "host=" + cfg.Database.Host + " user=" + cfg.Database.User +
			" password=" + cfg.Database.Password + " dbname=" + cfg.Database.Name +
			" sslmode=disable TimeZone=UTC"
	}

	// 连接数据库
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.Tenant{},
		&models.TenantSettings{},
		&models.User{},
		&models.Crew{},
		&models.CrewMember{},
		&models.Job{},
		&models.SiteContact{},
		&models.ScheduleAssignment{},
		&models.Material{},
		&models.StockMovement{},
		&models.MaterialAllocation{},
		&models.MaterialUsageLog{},
		&models.Task{},
		&models.Notification{},
		&models.AuditLog{},
		&models.AutomationRule{},
		&models.AutomationEvent{},
		&models.AutomationRun{},
		&models.AutomationActionOutbox{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 规则查询按租户+触发器过滤
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_tenant_trigger ON automation_rules(tenant_id, trigger_key, enabled)")

	// 运行历史按规则和时间倒序翻页
	db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_tenant_rule_created ON automation_runs(tenant_id, rule_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_scope_window ON automation_runs(tenant_id, rule_id, scope_key, created_at)")

	// 出箱扫描路径
	db.Exec("CREATE INDEX IF NOT EXISTS idx_outbox_status_next ON automation_action_outboxes(status, next_attempt_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_outbox_tenant_status ON automation_action_outboxes(tenant_id, status)")

	// 作业与排班常用过滤
	db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_assignments_tenant_job ON schedule_assignments(tenant_id, job_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_stock_movements_material ON stock_movements(tenant_id, material_id, created_at)")

	log.Println("Additional indexes created successfully!")

	// 插入默认数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// 创建演示租户
	var tenant models.Tenant
	if err := db.Where("name = ?", "demo").First(&tenant).Error; err != nil {
		tenant = models.Tenant{Name: "demo"}
		db.Create(&tenant)
		db.Create(&models.TenantSettings{
			TenantID:            tenant.ID,
			Timezone:            "UTC",
			WorkdayStartMinutes: 480,
			WorkdayEndMinutes:   1020,
			AutomationsEnabled:  true,
			EmailSenderIdentity: "ops@demo.crewflow.dev",
			SMSProviderEnabled:  false,
		})
		log.Println("Created demo tenant")
	}

	// 创建演示用户
	var owner models.User
	if err := db.Where("tenant_id = ? AND email = ?", tenant.ID, "owner@demo.crewflow.dev").First(&owner).Error; err != nil {
		owner = models.User{
			TenantID: tenant.ID,
			Name:     "Demo Owner",
			Email:    "owner@demo.crewflow.dev",
			Phone:    "+15550100",
			Role:     "owner",
		}
		db.Create(&owner)
		log.Println("Created demo owner user")
	}

	// 创建演示物料
	var material models.Material
	if err := db.Where("tenant_id = ? AND sku = ?", tenant.ID, "PIPE-20").First(&material).Error; err != nil {
		material = models.Material{
			TenantID: tenant.ID,
			SKU:      "PIPE-20",
			Name:     "20mm copper pipe",
			Unit:     "m",
		}
		db.Create(&material)
		db.Create(&models.StockMovement{
			TenantID:   tenant.ID,
			MaterialID: material.ID,
			Quantity:   200,
			Reason:     "receive",
		})
		log.Println("Created demo material with opening stock")
	}

	// 创建示例自动化规则：低库存提醒
	var existing models.AutomationRule
	if err := db.Where("tenant_id = ? AND name = ?", tenant.ID, "Low stock alert").First(&existing).Error; err != nil {
		conditions, _ := json.Marshal([]map[string]interface{}{
			{
				"compare": map[string]interface{}{
					"op":    "lt",
					"left":  map[string]interface{}{"ref": "computed.materialAvailable"},
					"right": map[string]interface{}{"value": 25},
				},
			},
		})
		actions, _ := json.Marshal([]map[string]interface{}{
			{
				"id":   "notify-owner",
				"kind": "notification.create",
				"params": map[string]interface{}{
					"recipients": []map[string]interface{}{{"ref": "tenant.users.0.id"}},
					"title":      "Low stock: {{material.name}}",
					"body":       "Available quantity dropped below threshold.",
				},
			},
		})
		rule := models.AutomationRule{
			TenantID:             tenant.ID,
			Name:                 "Low stock alert",
			TriggerKey:           "material.stock_updated",
			TriggerVersion:       1,
			Conditions:           string(conditions),
			Actions:              string(actions),
			ThrottleWindowHours:  1,
			ThrottleMaxPerWindow: 4,
			ThrottleScope:        "entity",
		}
		db.Create(&rule)
		log.Println("Created sample low-stock automation rule (disabled until tested)")
	}
}
